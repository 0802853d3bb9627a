// Package idempotency maps execution ids to committed outcomes. The index
// is the at-most-once guarantee: a side effect is applied only when no
// outcome exists for its execution id, and the first committed outcome is
// the only one ever stored.
package idempotency

import (
	"errors"
	"sync"

	"github.com/cortexops/writegate/pkg/contracts"
)

// ErrAlreadyCommitted is returned when a second, different outcome is
// stored for an execution id that already has one.
var ErrAlreadyCommitted = errors.New("outcome already committed for execution")

// Outcome is the committed terminal result for one execution.
type Outcome struct {
	ExecutionID string                   `json:"execution_id"`
	State       contracts.ExecutionState `json:"state"`
	Result      *contracts.Result        `json:"result,omitempty"`
	Failure     *contracts.Failure       `json:"failure,omitempty"`
}

// Index is the idempotency lookup interface.
type Index interface {
	// Get returns the committed outcome, if any.
	Get(executionID string) (*Outcome, bool, error)

	// Put commits the outcome. Re-putting an identical outcome is a
	// no-op; putting a different one fails ErrAlreadyCommitted.
	Put(executionID string, outcome *Outcome) error
}

// MemoryIndex is the in-process Index implementation.
type MemoryIndex struct {
	mu       sync.RWMutex
	outcomes map[string]*Outcome
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{outcomes: make(map[string]*Outcome)}
}

func (i *MemoryIndex) Get(executionID string) (*Outcome, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	o, ok := i.outcomes[executionID]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

func (i *MemoryIndex) Put(executionID string, outcome *Outcome) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, ok := i.outcomes[executionID]; ok {
		if existing.State != outcome.State {
			return ErrAlreadyCommitted
		}
		return nil
	}
	cp := *outcome
	i.outcomes[executionID] = &cp
	return nil
}
