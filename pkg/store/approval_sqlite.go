package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cortexops/writegate/pkg/approval"
	"github.com/cortexops/writegate/pkg/contracts"
)

// SQLiteApprovalStore persists approvals in sqlite. It satisfies
// approval.Store and provides the same linearizable Decide guarantee via a
// conditional update on the PENDING status.
type SQLiteApprovalStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteApprovalStore wraps an already-migrated database.
func NewSQLiteApprovalStore(db *sql.DB) *SQLiteApprovalStore {
	return &SQLiteApprovalStore{db: db, clock: time.Now}
}

func (s *SQLiteApprovalStore) Create(executionID string) (*contracts.Approval, error) {
	ctx := context.Background()

	// An existing pending approval for the execution is returned as-is;
	// at most one active approval per execution.
	if a, err := s.pendingForExecution(ctx, executionID); err == nil {
		return a, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	a := &contracts.Approval{
		ApprovalID:  uuid.New().String(),
		ExecutionID: executionID,
		Status:      contracts.ApprovalPending,
		CreatedAt:   s.clock().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, execution_id, status, created_at) VALUES (?, ?, ?, ?)`,
		a.ApprovalID, a.ExecutionID, string(a.Status), a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteApprovalStore) Decide(approvalID string, outcome contracts.DecisionOutcome, decidedBy string) (*contracts.Approval, error) {
	ctx := context.Background()

	var status contracts.ApprovalStatus
	switch outcome {
	case contracts.OutcomeApprove:
		status = contracts.ApprovalApproved
	case contracts.OutcomeReject:
		status = contracts.ApprovalRejected
	default:
		return nil, errors.New("unknown decision outcome: " + string(outcome))
	}

	now := s.clock().UTC()
	// The status guard makes concurrent decisions race on one row update;
	// exactly one observes RowsAffected == 1.
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ? WHERE approval_id = ? AND status = ?`,
		string(status), now, decidedBy, approvalID, string(contracts.ApprovalPending))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := s.Get(approvalID); getErr != nil {
			return nil, approval.ErrNotFound
		}
		return nil, approval.ErrConflict
	}
	return s.Get(approvalID)
}

func (s *SQLiteApprovalStore) Get(approvalID string) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT approval_id, execution_id, status, created_at, decided_at, decided_by
		 FROM approvals WHERE approval_id = ?`, approvalID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	return a, err
}

func (s *SQLiteApprovalStore) ListPending() ([]*contracts.Approval, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT approval_id, execution_id, status, created_at, decided_at, decided_by
		 FROM approvals WHERE status = ? ORDER BY created_at, approval_id`,
		string(contracts.ApprovalPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []*contracts.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, a)
	}
	return pending, rows.Err()
}

func (s *SQLiteApprovalStore) pendingForExecution(ctx context.Context, executionID string) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT approval_id, execution_id, status, created_at, decided_at, decided_by
		 FROM approvals WHERE execution_id = ? AND status = ?`,
		executionID, string(contracts.ApprovalPending))
	return scanApproval(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*contracts.Approval, error) {
	var a contracts.Approval
	var status string
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ApprovalID, &a.ExecutionID, &status, &a.CreatedAt, &decidedAt, &a.DecidedBy); err != nil {
		return nil, err
	}
	a.Status = contracts.ApprovalStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

var _ approval.Store = (*SQLiteApprovalStore)(nil)
