// Package governance ties the core together: it owns the control flow
// from proposal to terminal state. The evaluator decides, the token
// service proves, the state machines enforce ordering, the workflow
// handles humans, and the ledger records; the Governor is the one caller
// that sequences them so execution can never outrun authorization.
package governance

import (
	"context"
	"fmt"

	"github.com/operantsec/warden/pkg/approval"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
	"github.com/operantsec/warden/pkg/ledger"
	"github.com/operantsec/warden/pkg/policy"
	"github.com/operantsec/warden/pkg/scope"
	"github.com/operantsec/warden/pkg/token"
)

// ActionRecorder persists newly proposed actions.
type ActionRecorder interface {
	CreateAction(ctx context.Context, a *contracts.ActionSpec, status contracts.ActionStatus) error
}

// Canceller cancels work queued for a run, for the kill-switch path.
// Optional; the arena implements it.
type Canceller interface {
	CancelRun(ctx context.Context, runID, reason string)
}

// Governor sequences proposals through policy, approval, execution
// authorization, and evidence recording.
type Governor struct {
	repo          ActionRecorder
	evaluator     *policy.Evaluator
	workflow      *approval.Workflow
	tokens        *token.Service
	actions       *fsm.ActionMachine
	runs          *fsm.RunMachine
	evidence      *ledger.Ledger
	reg           *scope.Registry
	canceller     Canceller
	policyVersion string
}

// NewGovernor wires the governor.
func NewGovernor(repo ActionRecorder, evaluator *policy.Evaluator, workflow *approval.Workflow,
	tokens *token.Service, actions *fsm.ActionMachine, runs *fsm.RunMachine,
	evidence *ledger.Ledger, reg *scope.Registry, policyVersion string) *Governor {
	return &Governor{
		repo:          repo,
		evaluator:     evaluator,
		workflow:      workflow,
		tokens:        tokens,
		actions:       actions,
		runs:          runs,
		evidence:      evidence,
		reg:           reg,
		policyVersion: policyVersion,
	}
}

// WithCanceller enables queued-work cancellation on run halt.
func (g *Governor) WithCanceller(c Canceller) *Governor {
	g.canceller = c
	return g
}

// Propose admits an action into governance: persists it, evaluates it,
// and routes the decision. Auto-approved actions land in APPROVED with a
// token on the decision; referred actions get a PENDING approval; every
// rejection drives the action to REJECTED. A scope violation also halts
// the owning run, since the surrounding plan itself may be unsafe.
func (g *Governor) Propose(ctx context.Context, action *contracts.ActionSpec) (*contracts.PolicyDecision, *contracts.Approval, error) {
	if err := g.runs.RequireRunning(ctx, action.RunID); err != nil {
		return nil, nil, err
	}
	if err := g.repo.CreateAction(ctx, action, contracts.ActionProposed); err != nil {
		return nil, nil, fmt.Errorf("record proposal: %w", err)
	}

	decision, err := g.evaluator.Evaluate(ctx, action, g.reg, g.policyVersion)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case decision.Approved:
		// Auto-approval still walks the full legal chain.
		if err := g.actions.Transition(ctx, action.ID, contracts.ActionPendingApproval,
			contracts.ActorSystem, "policy-evaluator"); err != nil {
			return nil, nil, err
		}
		if err := g.actions.Transition(ctx, action.ID, contracts.ActionApproved,
			contracts.ActorSystem, "policy-evaluator"); err != nil {
			return nil, nil, err
		}
		return decision, nil, nil

	case decision.Code == "":
		// Referred to a human; the workflow drives PENDING_APPROVAL.
		a, err := g.workflow.Open(ctx, action, decision, nil)
		if err != nil {
			return nil, nil, err
		}
		return decision, a, nil

	default:
		if err := g.actions.Transition(ctx, action.ID, contracts.ActionRejected,
			contracts.ActorSystem, "policy-evaluator"); err != nil {
			return nil, nil, err
		}
		if decision.Code == contracts.ScopeViolation {
			g.haltRun(ctx, action.RunID, decision.Reason)
		}
		return decision, nil, nil
	}
}

// haltRun is the scope-violation kill switch: abort the run and cancel
// anything queued for it. An already-terminal run is left as it is.
func (g *Governor) haltRun(ctx context.Context, runID, reason string) {
	if g.canceller != nil {
		g.canceller.CancelRun(ctx, runID, reason)
	}
	_ = g.runs.Abort(ctx, runID, contracts.ActorSystem, "policy-evaluator", reason)
}

// BeginExecution verifies the presented token against the action the
// executor intends to run and, only then, moves the action to EXECUTING.
// The runtime calls this itself; a caller's claim that a token was
// already checked is never trusted.
func (g *Governor) BeginExecution(ctx context.Context, action *contracts.ActionSpec,
	rawToken, executorID string) (*token.Claims, error) {

	claims, err := g.tokens.Verify(ctx, action, rawToken)
	if err != nil {
		return nil, err
	}
	if err := g.runs.RequireRunning(ctx, action.RunID); err != nil {
		return nil, err
	}
	if err := g.actions.Transition(ctx, action.ID, contracts.ActionExecuting,
		contracts.ActorWorker, executorID); err != nil {
		return nil, err
	}
	return claims, nil
}

// RecordResult appends the execution result to the run's evidence chain
// and drives the action to its terminal state: EXECUTED on a zero exit
// code, FAILED otherwise.
func (g *Governor) RecordResult(ctx context.Context, runID string,
	result *contracts.ExecutionResult, executorID string) (*contracts.Evidence, error) {

	e, err := g.evidence.Append(ctx, runID, result, contracts.ActorWorker, executorID)
	if err != nil {
		return nil, err
	}

	terminal := contracts.ActionExecuted
	if result.ExitCode != 0 {
		terminal = contracts.ActionFailed
	}
	if err := g.actions.Transition(ctx, result.ActionID, terminal,
		contracts.ActorWorker, executorID); err != nil {
		return nil, err
	}
	return e, nil
}
