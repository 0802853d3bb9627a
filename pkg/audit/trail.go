// Package audit implements the append-only audit trail. Events are hash
// chained per execution: each entry's hash covers its predecessor, so the
// trail for one execution is tamper-evident end to end. Ordering is causal
// within an execution; no cross-execution ordering is promised.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/cortexops/writegate/pkg/contracts"
)

var (
	// ErrChainBroken indicates an execution's hash chain does not verify.
	ErrChainBroken = errors.New("audit chain is broken")
)

const genesisHash = "genesis"

// Trail records audit events.
type Trail interface {
	// Append adds one event for the execution. The payload is digested
	// (canonical JSON, SHA-256), never stored verbatim.
	Append(executionID string, eventType contracts.AuditEventType, payload any) (*contracts.AuditEvent, error)

	// List returns the execution's events in causal order.
	List(executionID string) ([]*contracts.AuditEvent, error)
}

// MemoryTrail is the in-process Trail implementation.
type MemoryTrail struct {
	mu     sync.RWMutex
	chains map[string][]*contracts.AuditEvent
	clock  func() time.Time
}

// NewMemoryTrail creates an empty trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{
		chains: make(map[string][]*contracts.AuditEvent),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *MemoryTrail) WithClock(clock func() time.Time) *MemoryTrail {
	t.clock = clock
	return t
}

func (t *MemoryTrail) Append(executionID string, eventType contracts.AuditEventType, payload any) (*contracts.AuditEvent, error) {
	digest, err := Digest(payload)
	if err != nil {
		return nil, fmt.Errorf("digest payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.chains[executionID]
	prevHash := genesisHash
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].EntryHash
	}

	event := &contracts.AuditEvent{
		EventID:       uuid.New().String(),
		ExecutionID:   executionID,
		Sequence:      uint64(len(chain) + 1),
		Type:          eventType,
		Timestamp:     t.clock().UTC(),
		PayloadDigest: digest,
		PreviousHash:  prevHash,
	}
	event.EntryHash = EntryHash(event)

	t.chains[executionID] = append(chain, event)
	cp := *event
	return &cp, nil
}

func (t *MemoryTrail) List(executionID string) ([]*contracts.AuditEvent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chain := t.chains[executionID]
	out := make([]*contracts.AuditEvent, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Verify walks an execution's chain and checks every link.
func (t *MemoryTrail) Verify(executionID string) error {
	events, err := t.List(executionID)
	if err != nil {
		return err
	}
	return VerifyChain(events)
}

// VerifyChain checks hash linkage and causal sequencing of a trail slice.
func VerifyChain(events []*contracts.AuditEvent) error {
	prev := genesisHash
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: event %s has sequence %d, want %d", ErrChainBroken, e.EventID, e.Sequence, i+1)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: event %s previous hash mismatch", ErrChainBroken, e.EventID)
		}
		if EntryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: event %s entry hash mismatch", ErrChainBroken, e.EventID)
		}
		prev = e.EntryHash
	}
	return nil
}

// Digest computes "sha256:<hex>" over the canonical JSON form of payload.
func Digest(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// EntryHash covers everything except EventID and EntryHash itself,
// including the previous hash for chaining. Persistent trails use the same
// function so chains verify identically regardless of backing.
func EntryHash(e *contracts.AuditEvent) string {
	hashable := struct {
		ExecutionID   string                   `json:"execution_id"`
		Sequence      uint64                   `json:"sequence"`
		Type          contracts.AuditEventType `json:"type"`
		Timestamp     time.Time                `json:"timestamp"`
		PayloadDigest string                   `json:"payload_digest"`
		PreviousHash  string                   `json:"previous_hash"`
	}{e.ExecutionID, e.Sequence, e.Type, e.Timestamp, e.PayloadDigest, e.PreviousHash}

	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
