// Package contracts defines the data model shared by every component of the
// write mediator: commands, approvals, execution records, audit events and
// agent descriptors. Types here are plain data; behavior lives in the
// packages that own each lifecycle.
package contracts

import "time"

// Command is a proposed write against a system of record. It is immutable
// once submitted; ExecutionID is its identity and the idempotency key for
// the side effect it describes.
type Command struct {
	// CommandID identifies the proposal itself (e.g. for correlating with
	// the advisory layer that produced it).
	CommandID string `json:"command_id"`

	// ExecutionID is the unique identity of the execution this command
	// requests. At-most-once delivery is guaranteed per ExecutionID.
	ExecutionID string `json:"execution_id"`

	// Kind names the capability that performs the side effect,
	// e.g. "notion.create_page".
	Kind string `json:"kind"`

	// Parameters are the capability-specific arguments.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Initiator identifies the caller on whose behalf the command runs.
	Initiator string `json:"initiator"`

	// ReadOnly marks commands with no side effect; policy treats them as
	// exempt from approval requirements.
	ReadOnly bool `json:"read_only,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome a capability produced for one command.
type Result struct {
	ExecutionID string         `json:"execution_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
