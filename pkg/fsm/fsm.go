// Package fsm enforces the only legal status sequences for actions and
// runs. Transitions are applied through a compare-and-swap store guard so
// two concurrent callers can never both succeed on the same entity, and
// every transition is audited with the acting identity. An illegal
// transition always fails loudly; this is the mechanism that keeps an
// unapproved action from ever reaching EXECUTING.
package fsm

import (
	"context"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
)

// actionTransitions is the full legal table. Absent keys are terminal.
var actionTransitions = map[contracts.ActionStatus][]contracts.ActionStatus{
	contracts.ActionProposed:        {contracts.ActionPendingApproval, contracts.ActionRejected},
	contracts.ActionPendingApproval: {contracts.ActionApproved, contracts.ActionRejected},
	contracts.ActionApproved:        {contracts.ActionExecuting},
	contracts.ActionExecuting:       {contracts.ActionExecuted, contracts.ActionFailed},
}

var runTransitions = map[contracts.RunStatus][]contracts.RunStatus{
	contracts.RunCreated: {contracts.RunRunning},
	contracts.RunRunning: {contracts.RunCompleted, contracts.RunFailed},
}

// ActionTransitionAllowed reports whether from → to is a legal edge.
func ActionTransitionAllowed(from, to contracts.ActionStatus) bool {
	for _, s := range actionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunTransitionAllowed reports whether from → to is a legal edge.
// The ABORT override is not an edge; see RunMachine.Abort.
func RunTransitionAllowed(from, to contracts.RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunTerminal reports whether the run status admits no further change.
func RunTerminal(s contracts.RunStatus) bool {
	return s == contracts.RunCompleted || s == contracts.RunFailed || s == contracts.RunAborted
}

// ActionStore persists action statuses with a CAS guard.
type ActionStore interface {
	GetActionStatus(ctx context.Context, actionID string) (contracts.ActionStatus, error)
	// CompareAndSwapAction atomically moves actionID from old to new,
	// returning false when the stored status no longer equals old.
	CompareAndSwapAction(ctx context.Context, actionID string, old, new contracts.ActionStatus) (bool, error)
}

// RunStore persists run statuses with a CAS guard.
type RunStore interface {
	GetRunStatus(ctx context.Context, runID string) (contracts.RunStatus, error)
	CompareAndSwapRun(ctx context.Context, runID string, old, new contracts.RunStatus) (bool, error)
}

// ActionMachine applies legal action transitions.
type ActionMachine struct {
	store ActionStore
	trail audit.Trail
}

// NewActionMachine creates an action state machine over the given store.
func NewActionMachine(store ActionStore, trail audit.Trail) *ActionMachine {
	return &ActionMachine{store: store, trail: trail}
}

// Transition moves the action to the requested status, or returns
// InvalidStateTransition. A concurrent transition that wins the CAS race
// also surfaces as InvalidStateTransition to the loser.
func (m *ActionMachine) Transition(ctx context.Context, actionID string,
	to contracts.ActionStatus, actorType contracts.ActorType, actorID string) error {

	current, err := m.store.GetActionStatus(ctx, actionID)
	if err != nil {
		return err
	}
	if !ActionTransitionAllowed(current, to) {
		v := contracts.NewViolation(contracts.InvalidStateTransition,
			"action %s: %s -> %s not allowed", actionID, current, to)
		m.record(ctx, actionID, current, to, actorType, actorID, false)
		return v
	}

	swapped, err := m.store.CompareAndSwapAction(ctx, actionID, current, to)
	if err != nil {
		return err
	}
	if !swapped {
		return contracts.NewViolation(contracts.InvalidStateTransition,
			"action %s: lost transition race from %s", actionID, current)
	}
	m.record(ctx, actionID, current, to, actorType, actorID, true)
	return nil
}

func (m *ActionMachine) record(ctx context.Context, actionID string,
	from, to contracts.ActionStatus, actorType contracts.ActorType, actorID string, applied bool) {
	_ = m.trail.Record(ctx, audit.EventActionTransition, actorType, actorID,
		"ACTION", actionID, map[string]any{
			"from":    string(from),
			"to":      string(to),
			"applied": applied,
		})
}

// RunMachine applies legal run transitions plus the ABORT override.
type RunMachine struct {
	store RunStore
	trail audit.Trail
}

// NewRunMachine creates a run state machine over the given store.
func NewRunMachine(store RunStore, trail audit.Trail) *RunMachine {
	return &RunMachine{store: store, trail: trail}
}

// Transition moves the run along an ordinary edge.
func (m *RunMachine) Transition(ctx context.Context, runID string,
	to contracts.RunStatus, actorType contracts.ActorType, actorID string) error {

	current, err := m.store.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if !RunTransitionAllowed(current, to) {
		_ = m.trail.Record(ctx, audit.EventRunTransition, actorType, actorID,
			"RUN", runID, map[string]any{"from": string(current), "to": string(to), "applied": false})
		return contracts.NewViolation(contracts.InvalidStateTransition,
			"run %s: %s -> %s not allowed", runID, current, to)
	}

	swapped, err := m.store.CompareAndSwapRun(ctx, runID, current, to)
	if err != nil {
		return err
	}
	if !swapped {
		return contracts.NewViolation(contracts.InvalidStateTransition,
			"run %s: lost transition race from %s", runID, current)
	}
	_ = m.trail.Record(ctx, audit.EventRunTransition, actorType, actorID,
		"RUN", runID, map[string]any{"from": string(current), "to": string(to), "applied": true})
	return nil
}

// Abort is the privileged kill-switch path: legal from any non-terminal
// state, recorded as its own event type rather than an ordinary edge.
// It does not roll back recorded evidence; it only prevents further
// transitions.
func (m *RunMachine) Abort(ctx context.Context, runID string,
	actorType contracts.ActorType, actorID, reason string) error {

	current, err := m.store.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if RunTerminal(current) {
		return contracts.NewViolation(contracts.InvalidStateTransition,
			"run %s already terminal (%s)", runID, current)
	}

	swapped, err := m.store.CompareAndSwapRun(ctx, runID, current, contracts.RunAborted)
	if err != nil {
		return err
	}
	if !swapped {
		return contracts.NewViolation(contracts.InvalidStateTransition,
			"run %s: lost abort race from %s", runID, current)
	}
	_ = m.trail.Record(ctx, audit.EventRunAbortOverride, actorType, actorID,
		"RUN", runID, map[string]any{"from": string(current), "reason": reason})
	return nil
}

// RequireRunning returns RunNotActive unless the run is RUNNING. No
// action may be proposed or executed otherwise.
func (m *RunMachine) RequireRunning(ctx context.Context, runID string) error {
	current, err := m.store.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if current != contracts.RunRunning {
		return contracts.NewViolation(contracts.RunNotActive,
			"run %s is %s, not RUNNING", runID, current)
	}
	return nil
}
