// Package contracts holds the shared domain types consumed by every
// governance component: proposed actions, policy decisions, approvals,
// evidence records, and run lifecycles.
package contracts

import (
	"time"

	"github.com/operantsec/warden/pkg/canonicalize"
)

// ActorType identifies who performed an operation.
type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorAgent  ActorType = "AGENT"
	ActorWorker ActorType = "WORKER"
	ActorSystem ActorType = "SYSTEM"
)

// Tier is a discrete risk bucket derived from the numeric risk score.
type Tier string

const (
	// TierA is eligible for automatic approval.
	TierA Tier = "A"
	// TierB requires human approval.
	TierB Tier = "B"
	// TierC always requires senior human approval.
	TierC Tier = "C"
)

// ActionStatus is the lifecycle state of a proposed action.
type ActionStatus string

const (
	ActionProposed        ActionStatus = "PROPOSED"
	ActionPendingApproval ActionStatus = "PENDING_APPROVAL"
	ActionApproved        ActionStatus = "APPROVED"
	ActionExecuting       ActionStatus = "EXECUTING"
	ActionExecuted        ActionStatus = "EXECUTED"
	ActionRejected        ActionStatus = "REJECTED"
	ActionFailed          ActionStatus = "FAILED"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated   RunStatus = "CREATED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
)

// ApprovalStatus is the state of a human approval request.
// PENDING is the only state from which any other is reachable.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// ActionSpec is a proposed tool invocation against a target, not yet
// authorized. Specs are created per proposal and never mutated; only the
// bound state machine record changes status.
type ActionSpec struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Tool          string    `json:"tool"`
	Args          []string  `json:"args"`
	Target        string    `json:"target"`
	Proposer      string    `json:"proposer"`
	Justification string    `json:"justification"`
	CreatedAt     time.Time `json:"created_at"`
}

// actionIdentity is the subset of ActionSpec fields that define its
// content for token binding. Proposer and justification are attribution,
// not content; timestamps would break recomputation.
type actionIdentity struct {
	RunID  string   `json:"run_id"`
	Tool   string   `json:"tool"`
	Args   []string `json:"args"`
	Target string   `json:"target"`
}

// ContentHash returns the canonical SHA-256 content hash of the action.
// Evaluator and verifier must compute the same value; any mutation after
// token issuance invalidates the token.
func (a *ActionSpec) ContentHash() (string, error) {
	return canonicalize.CanonicalHash(actionIdentity{
		RunID:  a.RunID,
		Tool:   a.Tool,
		Args:   a.Args,
		Target: a.Target,
	})
}

// CheckResult records the outcome of one policy check.
type CheckResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// PolicyDecision is the result of evaluating an ActionSpec.
// Rejections are decisions, not errors, so callers can always log why.
type PolicyDecision struct {
	ActionID  string  `json:"action_id"`
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason"`
	RiskScore float64 `json:"risk_score"`
	Tier      Tier    `json:"tier"`
	// Code carries the violation kind behind a rejection so callers can
	// route it (retry, re-target, open approval) without parsing Reason.
	// Empty for approvals and for requires-human-approval outcomes.
	Code          ViolationKind          `json:"code,omitempty"`
	Checks        map[string]CheckResult `json:"checks"`
	Token         string                 `json:"token,omitempty"`
	PolicyVersion string                 `json:"policy_version"`
	EvaluatedAt   time.Time              `json:"evaluated_at"`
}

// Approval is a pending or decided human approval request.
type Approval struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`
	RunID    string `json:"run_id"`
	Tier     Tier   `json:"tier"`
	// ContentHash is the action's content hash at open time: the exact
	// content the approver is deciding on. Decide operations refuse a
	// presented spec that no longer hashes to it.
	ContentHash   string         `json:"content_hash"`
	RiskScore     float64        `json:"risk_score"`
	PolicyVersion string         `json:"policy_version"`
	Justification string         `json:"justification"`
	EvidenceRefs  []string       `json:"evidence_refs,omitempty"`
	Status        ApprovalStatus `json:"status"`
	RequestedAt   time.Time      `json:"requested_at"`
	RequestedBy   string         `json:"requested_by"`
	ExpiresAt     time.Time      `json:"expires_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// Evidence is one immutable, hash-chained record of an executed action's
// consequence. PriorHash is empty only for the first item of a run.
type Evidence struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ActionID    string    `json:"action_id"`
	ContentHash string    `json:"content_hash"`
	PriorHash   string    `json:"prior_hash,omitempty"`
	ArtifactRef string    `json:"artifact_ref"`
	ActorType   ActorType `json:"actor_type"`
	ActorID     string    `json:"actor_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run is one governed testing engagement.
type Run struct {
	ID            string     `json:"id"`
	Status        RunStatus  `json:"status"`
	PolicyVersion string     `json:"policy_version"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ExecutionResult is the raw outcome an external executor hands back,
// wrapped into Evidence by the ledger.
type ExecutionResult struct {
	ActionID  string   `json:"action_id"`
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exit_code"`
	Artifacts []string `json:"artifacts,omitempty"`
}
