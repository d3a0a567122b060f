// Package audit records governance events. Every policy decision, state
// transition, approval decision, and evidence append produces exactly one
// record through the Trail interface.
package audit

import (
	"context"
	"time"

	"github.com/operantsec/warden/pkg/contracts"
)

// Event types emitted by the governance core.
const (
	EventPolicyDecision   = "POLICY_DECISION"
	EventActionTransition = "ACTION_STATUS_CHANGED"
	EventRunTransition    = "RUN_STATUS_CHANGED"
	EventRunAbortOverride = "RUN_ABORT_OVERRIDE"
	EventApprovalOpened   = "APPROVAL_REQUESTED"
	EventApprovalGranted  = "APPROVAL_GRANTED"
	EventApprovalRejected = "APPROVAL_REJECTED"
	EventApprovalExpired  = "APPROVAL_EXPIRED"
	EventApprovalDenied   = "APPROVAL_DECISION_DENIED"
	EventEvidenceAppended = "EVIDENCE_APPENDED"
	EventTokenIssued      = "TOKEN_ISSUED"
	EventTokenRejected    = "TOKEN_REJECTED"
	EventLockAcquired     = "ARENA_LOCK_ACQUIRED"
	EventTasksCancelled   = "ARENA_TASKS_CANCELLED"
)

// Record is one audit entry.
type Record struct {
	ID           string             `json:"id"`
	EventType    string             `json:"event_type"`
	ActorType    contracts.ActorType `json:"actor_type"`
	ActorID      string             `json:"actor_id"`
	ResourceType string             `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	Details      map[string]any     `json:"details,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Trail is the minimal interface collaborators consume.
type Trail interface {
	Record(ctx context.Context, eventType string, actorType contracts.ActorType,
		actorID, resourceType, resourceID string, details map[string]any) error
}

// Discard is a Trail that drops every record, for tests that do not
// assert on auditing.
type Discard struct{}

func (Discard) Record(context.Context, string, contracts.ActorType, string, string, string, map[string]any) error {
	return nil
}
