// Package api exposes the caller-facing interface of the write mediator
// over HTTP: request_write, decide_approval, execution_status and
// pending_approvals, plus operator endpoints for agent visibility.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/cortexops/writegate/pkg/contracts"
)

// ErrorBody is the JSON error response. ErrorType is machine-matchable
// against the pipeline taxonomy; Reason is for humans.
type ErrorBody struct {
	ErrorType string `json:"error_type"`
	Reason    string `json:"reason"`
}

// statusFor maps taxonomy codes to HTTP statuses.
func statusFor(code contracts.ErrorCode) int {
	switch code {
	case contracts.CodeInvalidCommand:
		return http.StatusBadRequest
	case contracts.CodeNotFound:
		return http.StatusNotFound
	case contracts.CodeApprovalConflict:
		return http.StatusConflict
	case contracts.CodePolicyDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes a taxonomy error response.
func WriteError(w http.ResponseWriter, err error) {
	if e, ok := contracts.AsError(err); ok {
		writeJSON(w, statusFor(e.Code), ErrorBody{ErrorType: string(e.Code), Reason: e.Reason})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorBody{ErrorType: "INTERNAL", Reason: err.Error()})
}

// WriteBadRequest writes a 400 with INVALID_COMMAND.
func WriteBadRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{ErrorType: string(contracts.CodeInvalidCommand), Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
