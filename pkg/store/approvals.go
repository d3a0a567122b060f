package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/operantsec/warden/pkg/contracts"
)

const approvalColumns = `id, action_id, run_id, tier, content_hash, risk_score, policy_version, justification,
	evidence_refs, status, requested_at, requested_by, expires_at, decided_at, decided_by, signature, notes`

// Create implements approval.Store.
func (s *Store) Create(ctx context.Context, a *contracts.Approval) error {
	refs, err := json.Marshal(a.EvidenceRefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', '', '')`,
		a.ID, a.ActionID, a.RunID, string(a.Tier), a.ContentHash, a.RiskScore, a.PolicyVersion,
		a.Justification, string(refs), string(a.Status),
		formatTime(a.RequestedAt), a.RequestedBy, formatTime(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Get implements approval.Store.
func (s *Store) Get(ctx context.Context, id string) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	return a, err
}

// Claim implements approval.Store: a conditional status update that only
// lands while the row is still in the from status.
func (s *Store) Claim(ctx context.Context, id string, from, to contracts.ApprovalStatus,
	decidedAt time.Time, decidedBy, signature, notes string) (bool, error) {

	res, err := s.db.ExecContext(ctx, `UPDATE approvals
		SET status = ?, decided_at = ?, decided_by = ?, signature = ?, notes = ?
		WHERE id = ? AND status = ?`,
		string(to), formatTime(decidedAt), decidedBy, signature, notes,
		id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpired implements approval.Store.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time) ([]*contracts.Approval, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? AND expires_at <= ? ORDER BY expires_at`,
		string(contracts.ApprovalPending), formatTime(asOf))
}

// ListPending returns all open approval requests, oldest expiry first,
// for operator dashboards and pollers.
func (s *Store) ListPending(ctx context.Context) ([]*contracts.Approval, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY expires_at`,
		string(contracts.ApprovalPending))
}

func (s *Store) listApprovals(ctx context.Context, query string, args ...any) ([]*contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(scan func(...any) error) (*contracts.Approval, error) {
	var (
		a           contracts.Approval
		tier        string
		refsJSON    sql.NullString
		status      string
		requestedAt string
		expiresAt   string
		decidedAt   sql.NullString
		decidedBy   sql.NullString
		signature   sql.NullString
		notes       sql.NullString
	)
	err := scan(&a.ID, &a.ActionID, &a.RunID, &tier, &a.ContentHash, &a.RiskScore, &a.PolicyVersion,
		&a.Justification, &refsJSON, &status, &requestedAt, &a.RequestedBy,
		&expiresAt, &decidedAt, &decidedBy, &signature, &notes)
	if err != nil {
		return nil, err
	}
	a.Tier = contracts.Tier(tier)
	a.Status = contracts.ApprovalStatus(status)
	a.RequestedAt = parseTime(requestedAt)
	a.ExpiresAt = parseTime(expiresAt)
	if refsJSON.Valid && refsJSON.String != "" {
		_ = json.Unmarshal([]byte(refsJSON.String), &a.EvidenceRefs)
	}
	if decidedAt.Valid && decidedAt.String != "" {
		t := parseTime(decidedAt.String)
		a.DecidedAt = &t
	}
	a.DecidedBy = decidedBy.String
	a.Signature = signature.String
	a.Notes = notes.String
	return &a, nil
}
