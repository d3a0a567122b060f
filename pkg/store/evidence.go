package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/operantsec/warden/pkg/contracts"
)

const evidenceColumns = `id, run_id, action_id, content_hash, prior_hash, artifact_ref,
	actor_type, actor_id, created_at`

// AppendEvidence implements ledger.EvidenceStore. Insert-only; the schema
// has no update path and the sequence column fixes creation order.
func (s *Store) AppendEvidence(ctx context.Context, e *contracts.Evidence) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.ActionID, e.ContentHash, e.PriorHash, e.ArtifactRef,
		string(e.ActorType), e.ActorID, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// LastEvidence implements ledger.EvidenceStore.
func (s *Store) LastEvidence(ctx context.Context, runID string) (*contracts.Evidence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	e, err := scanEvidence(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListEvidence implements ledger.EvidenceStore, in creation order.
func (s *Store) ListEvidence(ctx context.Context, runID string) ([]*contracts.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvidence(scan func(...any) error) (*contracts.Evidence, error) {
	var (
		e         contracts.Evidence
		actorType string
		createdAt string
	)
	err := scan(&e.ID, &e.RunID, &e.ActionID, &e.ContentHash, &e.PriorHash,
		&e.ArtifactRef, &actorType, &e.ActorID, &createdAt)
	if err != nil {
		return nil, err
	}
	e.ActorType = contracts.ActorType(actorType)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
