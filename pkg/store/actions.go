package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/operantsec/warden/pkg/contracts"
)

// CreateAction persists a proposed action with its initial status.
func (s *Store) CreateAction(ctx context.Context, a *contracts.ActionSpec, status contracts.ActionStatus) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO actions (
		id, run_id, tool, args, target, proposer, justification, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Tool, string(args), a.Target, a.Proposer, a.Justification,
		string(status), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// GetAction loads the action spec and its current status.
func (s *Store) GetAction(ctx context.Context, actionID string) (*contracts.ActionSpec, contracts.ActionStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, tool, args, target, proposer, justification, status, created_at
		FROM actions WHERE id = ?`, actionID)

	var (
		a         contracts.ActionSpec
		argsJSON  string
		status    string
		createdAt string
	)
	err := row.Scan(&a.ID, &a.RunID, &a.Tool, &argsJSON, &a.Target, &a.Proposer,
		&a.Justification, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("action %s not found", actionID)
	}
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal([]byte(argsJSON), &a.Args); err != nil {
		return nil, "", fmt.Errorf("decode action args: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, contracts.ActionStatus(status), nil
}

// GetActionStatus implements fsm.ActionStore.
func (s *Store) GetActionStatus(ctx context.Context, actionID string) (contracts.ActionStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, actionID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("action %s not found", actionID)
		}
		return "", err
	}
	return contracts.ActionStatus(status), nil
}

// CompareAndSwapAction implements fsm.ActionStore: the UPDATE only lands
// when the stored status still equals old.
func (s *Store) CompareAndSwapAction(ctx context.Context, actionID string,
	old, new contracts.ActionStatus) (bool, error) {

	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
		string(new), actionID, string(old))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Executing reports how many of a run's actions are currently in
// EXECUTING, for the evaluator's concurrency probe.
func (s *Store) Executing(ctx context.Context, runID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE run_id = ? AND status = ?`,
		runID, string(contracts.ActionExecuting))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
