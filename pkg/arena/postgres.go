package arena

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage on PostgreSQL, for multi-node
// deployments where workers on different hosts contend for the same
// targets.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps an open handle and ensures the tables exist.
func NewPostgresStorage(db *sql.DB) (*PostgresStorage, error) {
	s := &PostgresStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS arena_locks (
		key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS arena_budgets (
		run_id TEXT PRIMARY KEY,
		max_actions INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStorage) TryAcquire(ctx context.Context, key, holder string, expires, now time.Time) (bool, error) {
	// The upsert only overwrites a lock that has expired or is already
	// ours, so the row decides the winner.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO arena_locks (key, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE arena_locks.expires_at <= $4 OR arena_locks.holder = EXCLUDED.holder`,
		key, holder, expires, now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStorage) Release(ctx context.Context, key, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM arena_locks WHERE key = $1 AND holder = $2`, key, holder)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStorage) SetBudget(ctx context.Context, b *Budget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arena_budgets (run_id, max_actions, used)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET max_actions = EXCLUDED.max_actions`,
		b.RunID, b.MaxActions, b.Used)
	if err != nil {
		return fmt.Errorf("set budget for run %s: %w", b.RunID, err)
	}
	return nil
}

func (s *PostgresStorage) Budget(ctx context.Context, runID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, max_actions, used FROM arena_budgets WHERE run_id = $1`, runID)
	var b Budget
	err := row.Scan(&b.RunID, &b.MaxActions, &b.Used)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStorage) Spend(ctx context.Context, runID string, n int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE arena_budgets SET used = used + $2
		WHERE run_id = $1 AND used + $2 <= max_actions`,
		runID, n)
	if err != nil {
		return false, fmt.Errorf("spend budget for run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
