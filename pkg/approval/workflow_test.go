package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
	"github.com/operantsec/warden/pkg/policy"
	"github.com/operantsec/warden/pkg/token"
)

type harness struct {
	workflow *Workflow
	actions  *fsm.MemoryStore
	tokens   *token.Service
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		actions: fsm.NewMemoryStore(),
		tokens:  token.NewService(token.NewHMAC([]byte("test-secret"))),
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	machine := fsm.NewActionMachine(h.actions, audit.Discard{})
	h.workflow = NewWorkflow(NewMemoryStore(), policy.DefaultParams(), h.tokens,
		machine, audit.Discard{}).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func pendingAction(tier contracts.Tier) (*contracts.ActionSpec, *contracts.PolicyDecision) {
	action := &contracts.ActionSpec{
		ID:            "act-1",
		RunID:         "run-1",
		Tool:          "nmap",
		Args:          []string{"-sV"},
		Target:        "db.example.com",
		Proposer:      "agent-7",
		Justification: "version probe on critical host",
	}
	decision := &contracts.PolicyDecision{
		ActionID:      action.ID,
		Approved:      false,
		Reason:        "requires human approval",
		RiskScore:     0.5,
		Tier:          tier,
		PolicyVersion: "v1",
	}
	return action, decision
}

func TestOpenSetsTierDerivedExpiry(t *testing.T) {
	ctx := context.Background()
	for tier, ttl := range map[contracts.Tier]time.Duration{
		contracts.TierB: 15 * time.Minute,
		contracts.TierC: 60 * time.Minute,
	} {
		h := newHarness(t)
		h.actions.PutAction("act-1", contracts.ActionProposed)
		action, decision := pendingAction(tier)

		a, err := h.workflow.Open(ctx, action, decision, nil)
		require.NoError(t, err)
		assert.Equal(t, contracts.ApprovalPending, a.Status)
		assert.Equal(t, h.now.Add(ttl), a.ExpiresAt, "tier %s", tier)

		status, _ := h.actions.GetActionStatus(ctx, "act-1")
		assert.Equal(t, contracts.ActionPendingApproval, status)
	}
}

func TestOpenRefusesAutoApprovedDecision(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	action, decision := pendingAction(contracts.TierB)
	decision.Approved = true

	_, err := h.workflow.Open(context.Background(), action, decision, nil)
	require.Error(t, err)
}

func TestApproveIssuesVerifiableToken(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)

	decided, raw, err := h.workflow.Approve(ctx, a.ID, action, "reviewer-1", "sig-abc", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, decided.Status)
	assert.Equal(t, "reviewer-1", decided.DecidedBy)
	require.NotEmpty(t, raw)

	claims, err := h.tokens.Verify(ctx, action, raw)
	require.NoError(t, err)
	assert.Equal(t, contracts.TierB, claims.Tier)
	assert.Equal(t, "v1", claims.PolicyVersion)

	status, _ := h.actions.GetActionStatus(ctx, "act-1")
	assert.Equal(t, contracts.ActionApproved, status)
}

func TestApproveRefusesMutatedSpec(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)

	// Same action ID, different content than the approver saw.
	mutated := *action
	mutated.Args = []string{"-sV", "--script", "vuln"}

	_, raw, err := h.workflow.Approve(ctx, a.ID, &mutated, "reviewer-1", "sig", "")
	require.Error(t, err)
	assert.Equal(t, contracts.ApprovalContentMismatch, contracts.KindOf(err))
	assert.Empty(t, raw)

	// The refusal is not a decision: the approval stays open and the
	// action stays pending.
	stored, err := h.workflow.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, stored.Status)
	status, _ := h.actions.GetActionStatus(ctx, "act-1")
	assert.Equal(t, contracts.ActionPendingApproval, status)

	// The untouched spec still approves.
	_, raw, err = h.workflow.Approve(ctx, a.ID, action, "reviewer-1", "sig", "")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestApproveRevertsClaimWhenActionTransitionFails(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)

	// Force the action out from under the approval.
	h.actions.PutAction("act-1", contracts.ActionRejected)

	_, raw, err := h.workflow.Approve(ctx, a.ID, action, "reviewer-1", "sig", "")
	require.Error(t, err)
	assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err))
	assert.Empty(t, raw)

	// Never an APPROVED record without a token and an APPROVED action.
	stored, err := h.workflow.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, stored.Status)
}

func TestRejectDrivesActionToRejected(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)

	decided, err := h.workflow.Reject(ctx, a.ID, "reviewer-1", "out of engagement hours")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, decided.Status)

	status, _ := h.actions.GetActionStatus(ctx, "act-1")
	assert.Equal(t, contracts.ActionRejected, status)
}

func TestDecisionIsWriteOnce(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)
	_, _, err = h.workflow.Approve(ctx, a.ID, action, "reviewer-1", "sig", "")
	require.NoError(t, err)

	_, err = h.workflow.Reject(ctx, a.ID, "reviewer-2", "changed my mind")
	require.Error(t, err)
	assert.Equal(t, contracts.ApprovalAlreadyDecided, contracts.KindOf(err))

	_, _, err = h.workflow.Approve(ctx, a.ID, action, "reviewer-2", "sig", "")
	require.Error(t, err)
	assert.Equal(t, contracts.ApprovalAlreadyDecided, contracts.KindOf(err))
}

func TestExpiredApprovalCannotBeApproved(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	ctx := context.Background()
	action, decision := pendingAction(contracts.TierB)

	a, err := h.workflow.Open(ctx, action, decision, nil)
	require.NoError(t, err)

	h.advance(16 * time.Minute) // past the 15-minute TierB window

	_, _, err = h.workflow.Approve(ctx, a.ID, action, "reviewer-1", "sig", "too late")
	require.Error(t, err)
	assert.Equal(t, contracts.ApprovalExpiredKind, contracts.KindOf(err))

	stored, err := h.workflow.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalExpired, stored.Status)

	status, _ := h.actions.GetActionStatus(ctx, "act-1")
	assert.Equal(t, contracts.ActionRejected, status)
}

func TestSweepExpiresOnlyOverdue(t *testing.T) {
	h := newHarness(t)
	h.actions.PutAction("act-1", contracts.ActionProposed)
	h.actions.PutAction("act-2", contracts.ActionProposed)
	ctx := context.Background()

	actionB, decisionB := pendingAction(contracts.TierB)
	aB, err := h.workflow.Open(ctx, actionB, decisionB, nil)
	require.NoError(t, err)

	actionC, decisionC := pendingAction(contracts.TierC)
	actionC.ID = "act-2"
	decisionC.ActionID = "act-2"
	aC, err := h.workflow.Open(ctx, actionC, decisionC, nil)
	require.NoError(t, err)

	h.advance(20 * time.Minute) // past TierB's 15m, inside TierC's 60m

	expired, err := h.workflow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	storedB, _ := h.workflow.store.Get(ctx, aB.ID)
	assert.Equal(t, contracts.ApprovalExpired, storedB.Status)
	storedC, _ := h.workflow.store.Get(ctx, aC.ID)
	assert.Equal(t, contracts.ApprovalPending, storedC.Status)

	// A second sweep finds nothing new to claim.
	expired, err = h.workflow.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}
