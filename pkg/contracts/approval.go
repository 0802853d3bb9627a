package contracts

import "time"

// ApprovalStatus represents the current state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Approval is the governance record that gates one execution. At most one
// active approval exists per execution; a decided approval is retained
// forever for audit and never mutated again.
type Approval struct {
	ApprovalID  string         `json:"approval_id"`
	ExecutionID string         `json:"execution_id"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
}

// DecisionOutcome is the operator's verdict on a pending approval.
type DecisionOutcome string

const (
	OutcomeApprove DecisionOutcome = "approve"
	OutcomeReject  DecisionOutcome = "reject"
)
