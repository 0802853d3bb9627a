package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/orchestrator"
	"github.com/cortexops/writegate/pkg/router"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP surface over the orchestrator and router.
type Server struct {
	orch   *orchestrator.Orchestrator
	router *router.Router
	logger *slog.Logger
}

// NewServer builds the API server.
func NewServer(orch *orchestrator.Orchestrator, rt *router.Router, logger *slog.Logger) *Server {
	return &Server{orch: orch, router: rt, logger: logger.With("component", "api")}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/write", s.handleWrite)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/approvals/pending", s.handlePending)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("POST /v1/agents/{id}/rehabilitate", s.handleRehabilitate)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// writeRequest is the request_write payload.
type writeRequest struct {
	Command contracts.Command `json:"command"`
}

// writeResponse reports where the command landed: BLOCKED with an approval
// id, REJECTED/FAILED, or on the dispatch path.
type writeResponse struct {
	ExecutionID string                   `json:"execution_id"`
	State       contracts.ExecutionState `json:"state"`
	ApprovalID  string                   `json:"approval_id,omitempty"`
	Failure     *contracts.Failure       `json:"failure,omitempty"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	credential := bearerToken(r)
	rec, err := s.orch.SubmitExecution(r.Context(), &req.Command, credential)
	if err != nil {
		// Policy rejections still carry a record; surface both.
		if rec != nil {
			if e, ok := contracts.AsError(err); ok && e.Code == contracts.CodePolicyDenied {
				writeJSON(w, http.StatusForbidden, writeResponse{
					ExecutionID: rec.ExecutionID,
					State:       rec.State,
					Failure:     rec.Failure,
				})
				return
			}
		}
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, writeResponse{
		ExecutionID: rec.ExecutionID,
		State:       rec.State,
		ApprovalID:  rec.ApprovalID,
		Failure:     rec.Failure,
	})
}

type decisionRequest struct {
	Outcome   contracts.DecisionOutcome `json:"outcome"`
	DecidedBy string                    `json:"decided_by"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Outcome != contracts.OutcomeApprove && req.Outcome != contracts.OutcomeReject {
		WriteBadRequest(w, "outcome must be approve or reject")
		return
	}

	rec, err := s.orch.DecideApproval(r.Context(), approvalID, req.Outcome, req.DecidedBy)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.orch.PendingApprovals()
	if err != nil {
		WriteError(w, err)
		return
	}
	if pending == nil {
		pending = []*contracts.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.GetStatus(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.router.Agents()})
}

func (s *Server) handleRehabilitate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if !s.router.Rehabilitate(agentID) {
		writeJSON(w, http.StatusNotFound, ErrorBody{
			ErrorType: string(contracts.CodeNotFound),
			Reason:    "unknown agent " + agentID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "rehabilitated"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
