package contracts

import "time"

// AuditEventType categorizes audit trail events.
type AuditEventType string

const (
	AuditReceived         AuditEventType = "RECEIVED"
	AuditPolicyEval       AuditEventType = "POLICY_EVAL"
	AuditRejected         AuditEventType = "REJECTED"
	AuditApprovalRequired AuditEventType = "APPROVAL_REQUIRED"
	AuditApplied          AuditEventType = "APPLIED"
	AuditFailed           AuditEventType = "FAILED"
	AuditIdempotentReplay AuditEventType = "IDEMPOTENT_REPLAY"
)

// AuditEvent is one immutable entry in an execution's audit trail.
// Events for a given execution are causally ordered by Sequence and hash
// chained: EntryHash covers PreviousHash, so tampering with any event
// breaks the chain for everything after it.
type AuditEvent struct {
	EventID       string         `json:"event_id"`
	ExecutionID   string         `json:"execution_id"`
	Sequence      uint64         `json:"sequence"`
	Type          AuditEventType `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	PayloadDigest string         `json:"payload_digest"`
	PreviousHash  string         `json:"previous_hash"`
	EntryHash     string         `json:"entry_hash"`
}
