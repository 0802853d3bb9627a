package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-matchable classification of a pipeline failure.
type ErrorCode string

const (
	CodeInvalidCommand   ErrorCode = "INVALID_COMMAND"
	CodePolicyDenied     ErrorCode = "POLICY_DENIED"
	CodeApprovalConflict ErrorCode = "APPROVAL_CONFLICT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeNoAvailableAgent ErrorCode = "NO_AVAILABLE_AGENT"
	CodeExecutorFailure  ErrorCode = "EXECUTOR_FAILURE"
	CodeTimeout          ErrorCode = "TIMEOUT"
)

// Error is a pipeline error carrying both a taxonomy code and a
// human-readable reason. Callers match on Code via AsError or errors.As;
// the reason is surfaced untouched to operators.
type Error struct {
	Code   ErrorCode
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewError creates a typed pipeline error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsError extracts a typed pipeline error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code for err, or CodeExecutorFailure when the
// error carries no explicit classification.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeExecutorFailure
}
