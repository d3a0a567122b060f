package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
)

// CreateRun persists a run in CREATED.
func (s *Store) CreateRun(ctx context.Context, runID, policyVersion string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, policy_version) VALUES (?, ?, ?)`,
		runID, string(contracts.RunCreated), policyVersion)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run.
func (s *Store) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, policy_version, started_at, completed_at FROM runs WHERE id = ?`, runID)

	var (
		r         contracts.Run
		status    string
		started   sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&r.ID, &status, &r.PolicyVersion, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	if started.Valid {
		t := parseTime(started.String)
		r.StartedAt = &t
	}
	if completed.Valid {
		t := parseTime(completed.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

// GetRunStatus implements fsm.RunStore.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (contracts.RunStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("run %s not found", runID)
		}
		return "", err
	}
	return contracts.RunStatus(status), nil
}

// CompareAndSwapRun implements fsm.RunStore and stamps the lifecycle
// timestamps as a side effect of the winning swap.
func (s *Store) CompareAndSwapRun(ctx context.Context, runID string,
	old, new contracts.RunStatus) (bool, error) {

	now := formatTime(s.clock())
	query := `UPDATE runs SET status = ? WHERE id = ? AND status = ?`
	args := []any{string(new), runID, string(old)}
	switch {
	case new == contracts.RunRunning:
		query = `UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`
		args = []any{string(new), now, runID, string(old)}
	case fsm.RunTerminal(new):
		query = `UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`
		args = []any{string(new), now, runID, string(old)}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRunning returns the ids of all RUNNING runs, for pollers.
func (s *Store) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY id`, string(contracts.RunRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
