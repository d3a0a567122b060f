package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operantsec/warden/pkg/approval"
	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
	"github.com/operantsec/warden/pkg/governance"
	"github.com/operantsec/warden/pkg/ledger"
)

var (
	_ fsm.ActionStore           = (*Store)(nil)
	_ fsm.RunStore              = (*Store)(nil)
	_ approval.Store            = (*Store)(nil)
	_ ledger.EvidenceStore      = (*Store)(nil)
	_ audit.Trail               = (*Store)(nil)
	_ governance.ActionRecorder = (*Store)(nil)
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestActionRoundTripAndCAS(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	spec := &contracts.ActionSpec{
		ID:            "act-1",
		RunID:         "run-1",
		Tool:          "nmap",
		Args:          []string{"-sV", "-p", "443"},
		Target:        "app.example.com",
		Proposer:      "agent-7",
		Justification: "service enumeration",
		CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.CreateAction(ctx, spec, contracts.ActionProposed))

	loaded, status, err := s.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionProposed, status)
	assert.Equal(t, spec.Args, loaded.Args)
	assert.Equal(t, spec.CreatedAt, loaded.CreatedAt)

	// CAS with the wrong expected status must not land.
	swapped, err := s.CompareAndSwapAction(ctx, "act-1", contracts.ActionApproved, contracts.ActionExecuting)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CompareAndSwapAction(ctx, "act-1", contracts.ActionProposed, contracts.ActionPendingApproval)
	require.NoError(t, err)
	assert.True(t, swapped)

	status, err = s.GetActionStatus(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionPendingApproval, status)
}

func TestExecutingCount(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []string{"act-1", "act-2", "act-3"} {
		require.NoError(t, s.CreateAction(ctx, &contracts.ActionSpec{
			ID: id, RunID: "run-1", Tool: "httpx", Args: []string{}, Target: "app.example.com",
			Proposer: "agent-7", CreatedAt: time.Now(),
		}, contracts.ActionExecuting))
	}
	require.NoError(t, s.CreateAction(ctx, &contracts.ActionSpec{
		ID: "act-4", RunID: "run-2", Tool: "httpx", Args: []string{}, Target: "app.example.com",
		Proposer: "agent-7", CreatedAt: time.Now(),
	}, contracts.ActionExecuting))

	n, err := s.Executing(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunLifecycleTimestamps(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, "run-1", "v1"))

	swapped, err := s.CompareAndSwapRun(ctx, "run-1", contracts.RunCreated, contracts.RunRunning)
	require.NoError(t, err)
	require.True(t, swapped)

	running, err := s.ListRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, running)

	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, r.StartedAt)
	assert.Equal(t, now, *r.StartedAt)
	assert.Nil(t, r.CompletedAt)

	swapped, err = s.CompareAndSwapRun(ctx, "run-1", contracts.RunRunning, contracts.RunCompleted)
	require.NoError(t, err)
	require.True(t, swapped)

	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, "v1", r.PolicyVersion)

	running, err = s.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestApprovalClaimIsWriteOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	a := &contracts.Approval{
		ID:            "apr-1",
		ActionID:      "act-1",
		RunID:         "run-1",
		Tier:          contracts.TierB,
		ContentHash:   "3f29c2a1d0b44e0e8f5a7c9d1e2b3a4c5d6e7f8091a2b3c4d5e6f708192a3b4c",
		RiskScore:     0.5,
		PolicyVersion: "v1",
		Justification: "version probe",
		EvidenceRefs:  []string{"mem://run-1/ev-1"},
		Status:        contracts.ApprovalPending,
		RequestedAt:   now,
		RequestedBy:   "agent-7",
		ExpiresAt:     now.Add(15 * time.Minute),
	}
	require.NoError(t, s.Create(ctx, a))

	loaded, err := s.Get(ctx, "apr-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, loaded.Status)
	assert.Equal(t, a.ExpiresAt, loaded.ExpiresAt)
	assert.Equal(t, a.ContentHash, loaded.ContentHash)
	assert.Equal(t, a.EvidenceRefs, loaded.EvidenceRefs)
	assert.InDelta(t, 0.5, loaded.RiskScore, 1e-9)

	ok, err := s.Claim(ctx, "apr-1", contracts.ApprovalPending, contracts.ApprovalApproved,
		now.Add(time.Minute), "reviewer-1", "sig", "fine")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses: the row is no longer PENDING.
	ok, err = s.Claim(ctx, "apr-1", contracts.ApprovalPending, contracts.ApprovalRejected,
		now.Add(2*time.Minute), "reviewer-2", "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err = s.Get(ctx, "apr-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, loaded.Status)
	assert.Equal(t, "reviewer-1", loaded.DecidedBy)
	require.NotNil(t, loaded.DecidedAt)
}

func TestListExpiredAndPending(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mk := func(id string, expires time.Time) *contracts.Approval {
		return &contracts.Approval{
			ID: id, ActionID: "act-" + id, RunID: "run-1", Tier: contracts.TierB,
			Status: contracts.ApprovalPending, RequestedAt: now, RequestedBy: "agent-7",
			ExpiresAt: expires,
		}
	}
	require.NoError(t, s.Create(ctx, mk("apr-overdue", now.Add(-time.Minute))))
	require.NoError(t, s.Create(ctx, mk("apr-live", now.Add(time.Hour))))

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "apr-overdue", expired[0].ID)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEvidenceCreationOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	last, err := s.LastEvidence(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, last, "empty run has no last item")

	prior := ""
	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		e := &contracts.Evidence{
			ID: id, RunID: "run-1", ActionID: "act-1",
			ContentHash: "hash-" + id, PriorHash: prior,
			ArtifactRef: "mem://run-1/" + id,
			ActorType:   contracts.ActorWorker, ActorID: "worker-1",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendEvidence(ctx, e))
		prior = e.ContentHash
	}

	last, err = s.LastEvidence(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "ev-3", last.ID)

	items, err := s.ListEvidence(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "ev-1", items[0].ID)
	assert.Empty(t, items[0].PriorHash)
	assert.Equal(t, items[1].PriorHash, items[0].ContentHash)
	assert.Equal(t, contracts.ActorWorker, items[0].ActorType)
}

func TestAuditTrailRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, audit.EventPolicyDecision, contracts.ActorAgent, "agent-7",
		"ACTION", "act-1", map[string]any{"approved": true}))
	require.NoError(t, s.Record(ctx, audit.EventActionTransition, contracts.ActorSystem, "workflow",
		"ACTION", "act-1", map[string]any{"from": "PROPOSED", "to": "PENDING_APPROVAL"}))
	require.NoError(t, s.Record(ctx, audit.EventRunTransition, contracts.ActorSystem, "orchestrator",
		"RUN", "run-1", nil))

	records, err := s.AuditFor(ctx, "ACTION", "act-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, audit.EventPolicyDecision, records[0].EventType)
	assert.Equal(t, true, records[0].Details["approved"])
	assert.Equal(t, contracts.ActorAgent, records[0].ActorType)
	assert.NotEmpty(t, records[0].ID)
}
