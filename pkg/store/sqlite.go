// Package store persists governance state in SQLite via the pure-Go
// modernc driver. One Store implements every repository interface the
// core consumes: action and run status (with the compare-and-swap the
// state machines require), approvals (with claim semantics), the
// append-only evidence table, and a durable audit trail.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed repository set.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open opens (or creates) the database at path and runs migrations.
// Pass ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the pool's handles.
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing handle and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		args JSON NOT NULL,
		target TEXT NOT NULL,
		proposer TEXT NOT NULL,
		justification TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run_id);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		policy_version TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		risk_score REAL NOT NULL DEFAULT 0,
		policy_version TEXT NOT NULL DEFAULT '',
		justification TEXT,
		evidence_refs JSON,
		status TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		requested_by TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		decided_at DATETIME,
		decided_by TEXT,
		signature TEXT,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(status, expires_at);

	CREATE TABLE IF NOT EXISTS evidence (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prior_hash TEXT NOT NULL DEFAULT '',
		artifact_ref TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_id, seq);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		details JSON,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_records(resource_type, resource_id);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
