package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
)

func TestActionHappyPath(t *testing.T) {
	store := NewMemoryStore()
	store.PutAction("act-1", contracts.ActionProposed)
	m := NewActionMachine(store, audit.Discard{})
	ctx := context.Background()

	chain := []contracts.ActionStatus{
		contracts.ActionPendingApproval,
		contracts.ActionApproved,
		contracts.ActionExecuting,
		contracts.ActionExecuted,
	}
	for _, next := range chain {
		require.NoError(t, m.Transition(ctx, "act-1", next, contracts.ActorSystem, "test"))
	}

	status, err := store.GetActionStatus(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionExecuted, status)
}

func TestActionRejectsSkippingApproval(t *testing.T) {
	store := NewMemoryStore()
	store.PutAction("act-1", contracts.ActionProposed)
	m := NewActionMachine(store, audit.Discard{})

	err := m.Transition(context.Background(), "act-1", contracts.ActionExecuted,
		contracts.ActorAgent, "agent-7")
	require.Error(t, err)
	assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err))

	// Status must be untouched after a refused transition.
	status, _ := store.GetActionStatus(context.Background(), "act-1")
	assert.Equal(t, contracts.ActionProposed, status)
}

func TestActionTerminalStatesFrozen(t *testing.T) {
	for _, terminal := range []contracts.ActionStatus{
		contracts.ActionExecuted, contracts.ActionRejected, contracts.ActionFailed,
	} {
		store := NewMemoryStore()
		store.PutAction("act-1", terminal)
		m := NewActionMachine(store, audit.Discard{})
		err := m.Transition(context.Background(), "act-1", contracts.ActionExecuting,
			contracts.ActorSystem, "test")
		assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err),
			"terminal state %s must not transition", terminal)
	}
}

func TestActionLostCASRace(t *testing.T) {
	store := NewMemoryStore()
	store.PutAction("act-1", contracts.ActionProposed)
	m := NewActionMachine(store, audit.Discard{})
	ctx := context.Background()

	// Simulate a concurrent winner moving the action after our read.
	require.NoError(t, m.Transition(ctx, "act-1", contracts.ActionRejected,
		contracts.ActorUser, "reviewer-1"))
	err := m.Transition(ctx, "act-1", contracts.ActionPendingApproval,
		contracts.ActorAgent, "agent-7")
	require.Error(t, err)
	assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err))
}

func TestRunLifecycle(t *testing.T) {
	store := NewMemoryStore()
	store.PutRun("run-1", contracts.RunCreated)
	m := NewRunMachine(store, audit.Discard{})
	ctx := context.Background()

	require.Error(t, m.RequireRunning(ctx, "run-1"))
	require.NoError(t, m.Transition(ctx, "run-1", contracts.RunRunning, contracts.ActorSystem, "orchestrator"))
	require.NoError(t, m.RequireRunning(ctx, "run-1"))
	require.NoError(t, m.Transition(ctx, "run-1", contracts.RunCompleted, contracts.ActorSystem, "orchestrator"))

	err := m.Transition(ctx, "run-1", contracts.RunRunning, contracts.ActorSystem, "orchestrator")
	assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err))
}

func TestRunAbortOverride(t *testing.T) {
	store := NewMemoryStore()
	store.PutRun("run-1", contracts.RunRunning)
	m := NewRunMachine(store, audit.Discard{})
	ctx := context.Background()

	require.NoError(t, m.Abort(ctx, "run-1", contracts.ActorUser, "operator-1", "kill switch"))

	status, _ := store.GetRunStatus(ctx, "run-1")
	assert.Equal(t, contracts.RunAborted, status)

	// Aborted is terminal, even for another abort.
	err := m.Abort(ctx, "run-1", contracts.ActorUser, "operator-1", "again")
	assert.Equal(t, contracts.InvalidStateTransition, contracts.KindOf(err))

	// And RequireRunning now refuses.
	err = m.RequireRunning(ctx, "run-1")
	assert.Equal(t, contracts.RunNotActive, contracts.KindOf(err))
}

func TestRunAbortFromCreated(t *testing.T) {
	store := NewMemoryStore()
	store.PutRun("run-1", contracts.RunCreated)
	m := NewRunMachine(store, audit.Discard{})

	require.NoError(t, m.Abort(context.Background(), "run-1", contracts.ActorSystem, "kill-switch", "budget exceeded"))
	status, _ := store.GetRunStatus(context.Background(), "run-1")
	assert.Equal(t, contracts.RunAborted, status)
}
