package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
)

// Record implements audit.Trail, making the store a durable trail that
// can sit behind an audit.Fanout alongside the log writer.
func (s *Store) Record(ctx context.Context, eventType string, actorType contracts.ActorType,
	actorID, resourceType, resourceID string, details map[string]any) error {

	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_records (
		id, event_type, actor_type, actor_id, resource_type, resource_id, details, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), eventType, string(actorType), actorID,
		resourceType, resourceID, string(detailsJSON), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// AuditFor returns the recorded events for one resource, oldest first.
func (s *Store) AuditFor(ctx context.Context, resourceType, resourceID string) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor_type, actor_id, resource_type, resource_id, details, timestamp
		FROM audit_records WHERE resource_type = ? AND resource_id = ?
		ORDER BY timestamp, id`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.Record
	for rows.Next() {
		var (
			r           audit.Record
			actorType   string
			detailsJSON sql.NullString
			timestamp   string
		)
		if err := rows.Scan(&r.ID, &r.EventType, &actorType, &r.ActorID,
			&r.ResourceType, &r.ResourceID, &detailsJSON, &timestamp); err != nil {
			return nil, err
		}
		r.ActorType = contracts.ActorType(actorType)
		r.Timestamp = parseTime(timestamp)
		if detailsJSON.Valid && detailsJSON.String != "" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &r.Details)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
