package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cortexops/writegate/pkg/idempotency"
)

// SQLiteIdempotencyIndex persists committed outcomes keyed by execution id.
type SQLiteIdempotencyIndex struct {
	db *sql.DB
}

// NewSQLiteIdempotencyIndex wraps an already-migrated database.
func NewSQLiteIdempotencyIndex(db *sql.DB) *SQLiteIdempotencyIndex {
	return &SQLiteIdempotencyIndex{db: db}
}

func (s *SQLiteIdempotencyIndex) Get(executionID string) (*idempotency.Outcome, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT outcome FROM idempotency WHERE execution_id = ?`, executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var outcome idempotency.Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, false, err
	}
	return &outcome, true, nil
}

func (s *SQLiteIdempotencyIndex) Put(executionID string, outcome *idempotency.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	// First writer wins; a conflicting rewrite is refused, an identical
	// one is a no-op.
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO idempotency (execution_id, outcome) VALUES (?, ?)
		 ON CONFLICT (execution_id) DO NOTHING`, executionID, raw)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, ok, getErr := s.Get(executionID)
		if getErr != nil {
			return getErr
		}
		if ok && existing.State != outcome.State {
			return idempotency.ErrAlreadyCommitted
		}
	}
	return nil
}

var _ idempotency.Index = (*SQLiteIdempotencyIndex)(nil)
