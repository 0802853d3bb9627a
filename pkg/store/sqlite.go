// Package store provides persistent backings for the three shared
// collections: approvals, audit events and the idempotency index. The
// sqlite stores serve single-node deployments; the redis index serves
// processes sharing one backing store.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the database at path and runs migrations
// for every collection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		decided_at DATETIME,
		decided_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload_digest TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		UNIQUE(execution_id, seq)
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		execution_id TEXT PRIMARY KEY,
		outcome JSON NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
