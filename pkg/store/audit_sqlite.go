package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexops/writegate/pkg/audit"
	"github.com/cortexops/writegate/pkg/contracts"
)

// SQLiteAuditTrail persists the hash-chained audit trail. Appends are
// serialized so the per-execution chain head read and insert are atomic.
type SQLiteAuditTrail struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteAuditTrail wraps an already-migrated database.
func NewSQLiteAuditTrail(db *sql.DB) *SQLiteAuditTrail {
	return &SQLiteAuditTrail{db: db, clock: time.Now}
}

func (t *SQLiteAuditTrail) Append(executionID string, eventType contracts.AuditEventType, payload any) (*contracts.AuditEvent, error) {
	digest, err := audit.Digest(payload)
	if err != nil {
		return nil, fmt.Errorf("digest payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	var seq uint64
	var prevHash string
	row := t.db.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM audit_events WHERE execution_id = ? ORDER BY seq DESC LIMIT 1`,
		executionID)
	switch err := row.Scan(&seq, &prevHash); err {
	case nil:
	case sql.ErrNoRows:
		prevHash = "genesis"
	default:
		return nil, err
	}

	event := &contracts.AuditEvent{
		EventID:       uuid.New().String(),
		ExecutionID:   executionID,
		Sequence:      seq + 1,
		Type:          eventType,
		Timestamp:     t.clock().UTC(),
		PayloadDigest: digest,
		PreviousHash:  prevHash,
	}
	event.EntryHash = audit.EntryHash(event)

	_, err = t.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, execution_id, seq, event_type, timestamp, payload_digest, previous_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, event.Sequence, string(event.Type),
		event.Timestamp, event.PayloadDigest, event.PreviousHash, event.EntryHash)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (t *SQLiteAuditTrail) List(executionID string) ([]*contracts.AuditEvent, error) {
	rows, err := t.db.QueryContext(context.Background(),
		`SELECT event_id, execution_id, seq, event_type, timestamp, payload_digest, previous_hash, entry_hash
		 FROM audit_events WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.AuditEvent
	for rows.Next() {
		var e contracts.AuditEvent
		var eventType string
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &e.Sequence, &eventType,
			&e.Timestamp, &e.PayloadDigest, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Type = contracts.AuditEventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

var _ audit.Trail = (*SQLiteAuditTrail)(nil)
