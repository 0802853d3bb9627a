// Package approval owns the lifecycle of approval records. One store
// instance is shared by every caller in the process: creation happens on the
// request path, decisions arrive from the operator path, and both must see
// the same state immediately.
package approval

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexops/writegate/pkg/contracts"
)

var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval not found")
	// ErrConflict is returned when deciding an already-decided approval.
	ErrConflict = errors.New("approval already decided")
)

// Store is the approval lifecycle interface.
type Store interface {
	// Create opens a PENDING approval for an execution. If a PENDING
	// approval already exists for the execution it is returned unchanged;
	// at most one active approval exists per execution.
	Create(executionID string) (*contracts.Approval, error)

	// Decide records the outcome. Exactly one of two concurrent Decide
	// calls on the same approval succeeds; the other gets ErrConflict.
	Decide(approvalID string, outcome contracts.DecisionOutcome, decidedBy string) (*contracts.Approval, error)

	Get(approvalID string) (*contracts.Approval, error)
	ListPending() ([]*contracts.Approval, error)
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*contracts.Approval
	byExecution map[string]*contracts.Approval // active (PENDING) approvals only
	clock       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*contracts.Approval),
		byExecution: make(map[string]*contracts.Approval),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(executionID string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byExecution[executionID]; ok {
		return cloned(existing), nil
	}

	a := &contracts.Approval{
		ApprovalID:  uuid.New().String(),
		ExecutionID: executionID,
		Status:      contracts.ApprovalPending,
		CreatedAt:   s.clock().UTC(),
	}
	s.byID[a.ApprovalID] = a
	s.byExecution[executionID] = a
	return cloned(a), nil
}

func (s *MemoryStore) Decide(approvalID string, outcome contracts.DecisionOutcome, decidedBy string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[approvalID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status.Terminal() {
		return nil, ErrConflict
	}

	switch outcome {
	case contracts.OutcomeApprove:
		a.Status = contracts.ApprovalApproved
	case contracts.OutcomeReject:
		a.Status = contracts.ApprovalRejected
	default:
		return nil, errors.New("unknown decision outcome: " + string(outcome))
	}

	now := s.clock().UTC()
	a.DecidedAt = &now
	a.DecidedBy = decidedBy
	delete(s.byExecution, a.ExecutionID)
	return cloned(a), nil
}

func (s *MemoryStore) Get(approvalID string) (*contracts.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[approvalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloned(a), nil
}

// ListPending returns pending approvals in creation order for a stable
// operator view.
func (s *MemoryStore) ListPending() ([]*contracts.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*contracts.Approval, 0, len(s.byExecution))
	for _, a := range s.byExecution {
		pending = append(pending, cloned(a))
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ApprovalID < pending[j].ApprovalID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func cloned(a *contracts.Approval) *contracts.Approval {
	cp := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}
