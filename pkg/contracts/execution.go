package contracts

import "time"

// ExecutionState is the lifecycle state of one execution record.
type ExecutionState string

const (
	StateReceived   ExecutionState = "RECEIVED"
	StateBlocked    ExecutionState = "BLOCKED"
	StateApproved   ExecutionState = "APPROVED"
	StateDispatched ExecutionState = "DISPATCHED"
	StateCompleted  ExecutionState = "COMPLETED"
	StateFailed     ExecutionState = "FAILED"
)

// Terminal reports whether the state is final.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the one-directional state machine:
// RECEIVED → BLOCKED → APPROVED → DISPATCHED → {COMPLETED | FAILED},
// with RECEIVED → DISPATCHED when no approval is required, and FAILED
// reachable from any non-terminal state (rejection, routing failure).
var transitions = map[ExecutionState][]ExecutionState{
	StateReceived:   {StateBlocked, StateDispatched, StateFailed},
	StateBlocked:    {StateApproved, StateFailed},
	StateApproved:   {StateDispatched, StateFailed},
	StateDispatched: {StateCompleted, StateFailed},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to ExecutionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionRecord tracks one command through the pipeline. Transitions are
// monotonic; COMPLETED and FAILED never change again.
type ExecutionRecord struct {
	ExecutionID  string         `json:"execution_id"`
	State        ExecutionState `json:"state"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	Result       *Result        `json:"result,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Failure captures why an execution reached FAILED: a machine-matchable
// code plus a human-readable reason.
type Failure struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason"`
}
