// Package approval runs the human approval workflow for actions the
// policy evaluator would not auto-approve. Approvals are write-once:
// PENDING is the only state from which any other is reachable, and an
// expired request can never be approved afterward.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
	"github.com/operantsec/warden/pkg/policy"
	"github.com/operantsec/warden/pkg/token"
)

// Store persists approval requests. Claim is a conditional status update
// so concurrent deciders and sweepers cannot double-decide.
type Store interface {
	Create(ctx context.Context, a *contracts.Approval) error
	Get(ctx context.Context, id string) (*contracts.Approval, error)
	// Claim moves the approval from one status to another only if it is
	// still in the from status, recording the decision fields. Returns
	// false without error when the claim is lost.
	Claim(ctx context.Context, id string, from, to contracts.ApprovalStatus,
		decidedAt time.Time, decidedBy, signature, notes string) (bool, error)
	// ListExpired returns PENDING approvals whose expiry is at or before
	// the given instant.
	ListExpired(ctx context.Context, asOf time.Time) ([]*contracts.Approval, error)
}

// Workflow opens, decides, and expires approval requests.
type Workflow struct {
	store   Store
	params  *policy.Params
	tokens  *token.Service
	actions *fsm.ActionMachine
	trail   audit.Trail
	clock   func() time.Time
}

// NewWorkflow wires the approval workflow.
func NewWorkflow(store Store, params *policy.Params, tokens *token.Service,
	actions *fsm.ActionMachine, trail audit.Trail) *Workflow {
	return &Workflow{
		store:   store,
		params:  params,
		tokens:  tokens,
		actions: actions,
		trail:   trail,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Workflow) WithClock(clock func() time.Time) *Workflow {
	w.clock = clock
	return w
}

// Open creates a PENDING approval for a decision the evaluator referred
// to a human, drives the action to PENDING_APPROVAL, and audits. The
// expiry window is derived from the decision's tier.
func (w *Workflow) Open(ctx context.Context, action *contracts.ActionSpec,
	decision *contracts.PolicyDecision, evidenceRefs []string) (*contracts.Approval, error) {

	if decision.Approved {
		return nil, fmt.Errorf("decision for action %s is auto-approved, nothing to open", action.ID)
	}

	hash, err := action.ContentHash()
	if err != nil {
		return nil, err
	}

	now := w.clock().UTC()
	a := &contracts.Approval{
		ID:            uuid.New().String(),
		ActionID:      action.ID,
		RunID:         action.RunID,
		Tier:          decision.Tier,
		ContentHash:   hash,
		RiskScore:     decision.RiskScore,
		PolicyVersion: decision.PolicyVersion,
		Justification: action.Justification,
		EvidenceRefs:  evidenceRefs,
		Status:        contracts.ApprovalPending,
		RequestedAt:   now,
		RequestedBy:   action.Proposer,
		ExpiresAt:     now.Add(w.params.ApprovalTTL(decision.Tier)),
	}
	if err := w.store.Create(ctx, a); err != nil {
		return nil, err
	}
	if err := w.actions.Transition(ctx, action.ID, contracts.ActionPendingApproval,
		contracts.ActorSystem, "approval-workflow"); err != nil {
		return nil, err
	}
	_ = w.trail.Record(ctx, audit.EventApprovalOpened, contracts.ActorAgent, action.Proposer,
		"APPROVAL", a.ID, map[string]any{
			"action_id":  a.ActionID,
			"run_id":     a.RunID,
			"tier":       string(a.Tier),
			"expires_at": a.ExpiresAt.Format(time.RFC3339),
		})
	return a, nil
}

// Approve grants a pending approval: issues the capability token bound to
// the content the approval was opened for and drives the action to
// APPROVED as one unit. The presented spec must still hash to that
// content; a same-ID spec with mutated arguments or target is refused.
// Returns the updated approval and the signed token.
func (w *Workflow) Approve(ctx context.Context, approvalID string,
	action *contracts.ActionSpec, decidedBy, signature, notes string) (*contracts.Approval, string, error) {

	a, err := w.checkPending(ctx, approvalID)
	if err != nil {
		return nil, "", err
	}
	if a.ActionID != action.ID {
		return nil, "", fmt.Errorf("approval %s is for action %s, not %s", approvalID, a.ActionID, action.ID)
	}
	hash, err := action.ContentHash()
	if err != nil {
		return nil, "", err
	}
	if hash != a.ContentHash {
		_ = w.trail.Record(ctx, audit.EventApprovalDenied, contracts.ActorUser, decidedBy,
			"APPROVAL", a.ID, map[string]any{"action_id": a.ActionID, "reason": "content hash mismatch"})
		return nil, "", contracts.NewViolation(contracts.ApprovalContentMismatch,
			"action %s no longer matches the content approval %s was opened for", action.ID, a.ID)
	}

	// Signing is pure; a token issued before a lost claim is simply
	// never handed out.
	raw, err := w.tokens.Issue(a.ContentHash, a.RunID, a.PolicyVersion, a.RiskScore, a.Tier, w.params.TokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("token issue: %w", err)
	}

	now := w.clock().UTC()
	ok, err := w.store.Claim(ctx, approvalID, contracts.ApprovalPending, contracts.ApprovalApproved,
		now, decidedBy, signature, notes)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", contracts.NewViolation(contracts.ApprovalAlreadyDecided,
			"approval %s was decided concurrently", approvalID)
	}

	if err := w.actions.Transition(ctx, a.ActionID, contracts.ActionApproved,
		contracts.ActorUser, decidedBy); err != nil {
		// Put the approval back: the record must never read APPROVED
		// while the action transition failed and no token went out.
		_, _ = w.store.Claim(ctx, approvalID, contracts.ApprovalApproved, contracts.ApprovalPending,
			now, "", "", "")
		return nil, "", err
	}

	_ = w.trail.Record(ctx, audit.EventApprovalGranted, contracts.ActorUser, decidedBy,
		"APPROVAL", a.ID, map[string]any{"action_id": a.ActionID, "tier": string(a.Tier)})

	a.Status = contracts.ApprovalApproved
	a.DecidedAt = &now
	a.DecidedBy = decidedBy
	a.Signature = signature
	a.Notes = notes
	return a, raw, nil
}

// Reject denies a pending approval and drives the action to REJECTED.
func (w *Workflow) Reject(ctx context.Context, approvalID, decidedBy, notes string) (*contracts.Approval, error) {
	a, err := w.checkPending(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	now := w.clock().UTC()
	ok, err := w.store.Claim(ctx, approvalID, contracts.ApprovalPending, contracts.ApprovalRejected,
		now, decidedBy, "", notes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, contracts.NewViolation(contracts.ApprovalAlreadyDecided,
			"approval %s was decided concurrently", approvalID)
	}
	if err := w.actions.Transition(ctx, a.ActionID, contracts.ActionRejected,
		contracts.ActorUser, decidedBy); err != nil {
		return nil, err
	}

	_ = w.trail.Record(ctx, audit.EventApprovalRejected, contracts.ActorUser, decidedBy,
		"APPROVAL", a.ID, map[string]any{"action_id": a.ActionID, "notes": notes})

	a.Status = contracts.ApprovalRejected
	a.DecidedAt = &now
	a.DecidedBy = decidedBy
	a.Notes = notes
	return a, nil
}

// checkPending loads the approval and enforces write-once semantics. A
// pending approval found past its expiry is expired on the spot.
func (w *Workflow) checkPending(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	a, err := w.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.ApprovalPending {
		_ = w.trail.Record(ctx, audit.EventApprovalDenied, contracts.ActorSystem, "approval-workflow",
			"APPROVAL", a.ID, map[string]any{"action_id": a.ActionID, "status": string(a.Status)})
		return nil, contracts.NewViolation(contracts.ApprovalAlreadyDecided,
			"approval %s is already %s", approvalID, a.Status)
	}
	if w.clock().UTC().After(a.ExpiresAt) {
		if _, err := w.expire(ctx, a); err != nil {
			return nil, err
		}
		return nil, contracts.NewViolation(contracts.ApprovalExpiredKind,
			"approval %s expired at %s", approvalID, a.ExpiresAt.Format(time.RFC3339))
	}
	return a, nil
}

// expire claims PENDING→EXPIRED and drives the action to REJECTED. Safe
// to race: the loser of the claim does nothing and reports false.
func (w *Workflow) expire(ctx context.Context, a *contracts.Approval) (bool, error) {
	now := w.clock().UTC()
	ok, err := w.store.Claim(ctx, a.ID, contracts.ApprovalPending, contracts.ApprovalExpired,
		now, "sweeper", "", "expired without decision")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := w.actions.Transition(ctx, a.ActionID, contracts.ActionRejected,
		contracts.ActorSystem, "approval-workflow"); err != nil {
		// Another path may have already moved the action; the approval
		// record is still expired either way.
		if contracts.KindOf(err) != contracts.InvalidStateTransition {
			return false, err
		}
	}
	_ = w.trail.Record(ctx, audit.EventApprovalExpired, contracts.ActorSystem, "approval-workflow",
		"APPROVAL", a.ID, map[string]any{
			"action_id":  a.ActionID,
			"expired_at": a.ExpiresAt.Format(time.RFC3339),
		})
	return true, nil
}

// Sweep expires every overdue pending approval. Idempotent: concurrent
// sweepers racing the same rows each claim a disjoint subset.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	overdue, err := w.store.ListExpired(ctx, w.clock().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range overdue {
		claimed, err := w.expire(ctx, a)
		if err != nil {
			return expired, err
		}
		if claimed {
			expired++
		}
	}
	return expired, nil
}
