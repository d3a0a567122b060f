// Package policy evaluates proposed actions against a locked scope and
// risk rules. Rejections are decisions, not errors: every evaluation
// returns a PolicyDecision stating what was checked and why it passed or
// failed, and errors surface only for infrastructure faults.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/ratelimit"
	"github.com/operantsec/warden/pkg/scope"
	"github.com/operantsec/warden/pkg/token"
)

// Check names, in evaluation order.
const (
	CheckScopeBoundary  = "scope_boundary"
	CheckToolAllowlist  = "tool_allowlist"
	CheckArgumentSafety = "argument_safety"
	CheckRateLimit      = "rate_limit"
	CheckRiskScore      = "risk_score"
	CheckTier           = "tier"
)

var (
	shellMetaPattern     = regexp.MustCompile("[;|&<>$`\\\\()\\[\\]{}]")
	pathTraversalPattern = regexp.MustCompile(`\.\.|^/|/$`)
)

// ConcurrencyProbe reports how many actions of a run are currently
// executing, for scopes that cap concurrency. Optional.
type ConcurrencyProbe interface {
	Executing(ctx context.Context, runID string) (int, error)
}

// Evaluator runs the ordered policy checks and issues capability tokens
// for auto-approved actions.
type Evaluator struct {
	params  *Params
	tokens  *token.Service
	counter ratelimit.Counter
	trail   audit.Trail
	probe   ConcurrencyProbe
	clock   func() time.Time
}

// NewEvaluator wires an evaluator. The trail may be audit.Discard{} in
// tests; in production every decision is recorded.
func NewEvaluator(params *Params, tokens *token.Service, counter ratelimit.Counter, trail audit.Trail) *Evaluator {
	return &Evaluator{
		params:  params,
		tokens:  tokens,
		counter: counter,
		trail:   trail,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// WithConcurrencyProbe enables the ROE max-concurrency check.
func (e *Evaluator) WithConcurrencyProbe(probe ConcurrencyProbe) *Evaluator {
	e.probe = probe
	return e
}

// Evaluate runs the checks in fixed order, short-circuiting on the first
// hard failure. The returned decision always carries the full Checks map
// up to the failing stage.
func (e *Evaluator) Evaluate(ctx context.Context, action *contracts.ActionSpec,
	reg *scope.Registry, policyVersion string) (*contracts.PolicyDecision, error) {

	sc := reg.Scope()
	checks := make(map[string]contracts.CheckResult)
	now := e.clock().UTC()

	// 1. Scope boundary. Exclusion wins over allow-list membership. A
	// boundary breach is run-fatal; the ROE resource conditions checked
	// alongside it (testing window, concurrency cap) are transient and
	// carry their own retryable codes.
	if sc.Excludes(action.Target) {
		checks[CheckScopeBoundary] = failed("target is excluded from scope")
		return e.reject(ctx, action, checks, contracts.ScopeViolation,
			"not in scope", 1.0, contracts.TierC, policyVersion, now)
	}
	if !sc.Contains(action.Target) {
		checks[CheckScopeBoundary] = failed("target matches no allowed pattern")
		return e.reject(ctx, action, checks, contracts.ScopeViolation,
			"not in scope", 1.0, contracts.TierC, policyVersion, now)
	}
	if w := sc.ROE.Window; w != nil && !w.Allows(now) {
		checks[CheckScopeBoundary] = failed("outside agreed testing window")
		return e.reject(ctx, action, checks, contracts.OutsideTestingWindow,
			"outside testing window", 0.5, contracts.TierB, policyVersion, now)
	}
	if sc.ROE.MaxConcurrent > 0 && e.probe != nil {
		executing, err := e.probe.Executing(ctx, action.RunID)
		if err != nil {
			return nil, fmt.Errorf("concurrency probe: %w", err)
		}
		if executing >= sc.ROE.MaxConcurrent {
			checks[CheckScopeBoundary] = failed("max concurrent executions reached")
			return e.reject(ctx, action, checks, contracts.ConcurrencyLimitExceeded,
				"max concurrent executions reached", 0.5, contracts.TierB, policyVersion, now)
		}
	}
	checks[CheckScopeBoundary] = passed("target within locked scope")

	// 2. Tool allow-list. Deferred tools are reported distinctly from
	// unknown tools so operators can tell "not ready" from "typo".
	if sc.MethodForbidden(action.Tool) {
		checks[CheckToolAllowlist] = failed("tool forbidden by scope")
		return e.reject(ctx, action, checks, contracts.ToolNotAllowed,
			fmt.Sprintf("tool %q forbidden by engagement scope", action.Tool),
			1.0, contracts.TierC, policyVersion, now)
	}
	if contains(e.params.DeferredTools, action.Tool) {
		checks[CheckToolAllowlist] = failed("tool not yet enabled")
		return e.reject(ctx, action, checks, contracts.ToolNotEnabled,
			fmt.Sprintf("tool %q is not yet enabled for autonomous use", action.Tool),
			1.0, contracts.TierC, policyVersion, now)
	}
	if !contains(e.params.EnabledTools, action.Tool) {
		checks[CheckToolAllowlist] = failed("unknown tool")
		return e.reject(ctx, action, checks, contracts.ToolNotAllowed,
			fmt.Sprintf("unknown tool %q", action.Tool),
			1.0, contracts.TierC, policyVersion, now)
	}
	checks[CheckToolAllowlist] = passed("tool enabled")

	// 3. Argument safety.
	if reason, ok := e.unsafeArgument(action.Args); ok {
		checks[CheckArgumentSafety] = failed(reason)
		return e.reject(ctx, action, checks, contracts.UnsafeArgument,
			reason, 1.0, contracts.TierC, policyVersion, now)
	}
	checks[CheckArgumentSafety] = passed("arguments safe")

	// 4. Rate limit. Recoverable, unlike the structural checks above.
	limit := e.params.RateLimitFor(action.Tool, sc.ROE.RateLimits)
	count, err := e.counter.CountRecent(ctx, action.RunID, action.Tool, e.params.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("rate counter: %w", err)
	}
	if count >= limit {
		checks[CheckRateLimit] = failed(fmt.Sprintf("%d executions in window, limit %d", count, limit))
		return e.reject(ctx, action, checks, contracts.RateLimitExceeded,
			fmt.Sprintf("rate limit exceeded for %q: %d in trailing window (limit %d)",
				action.Tool, count, limit),
			0.5, contracts.TierB, policyVersion, now)
	}
	if err := e.counter.Note(ctx, action.RunID, action.Tool, now); err != nil {
		return nil, fmt.Errorf("rate counter: %w", err)
	}
	checks[CheckRateLimit] = passed(fmt.Sprintf("%d of %d in window", count, limit))

	// 5. Risk scoring.
	score := e.riskScore(action, sc)
	checks[CheckRiskScore] = passed(fmt.Sprintf("risk score %.2f", score))

	// 6. Tier assignment.
	tier := e.tierFor(score)
	checks[CheckTier] = passed(fmt.Sprintf("tier %s", tier))

	// 7. Disposition.
	decision := &contracts.PolicyDecision{
		ActionID:      action.ID,
		RiskScore:     score,
		Tier:          tier,
		Checks:        checks,
		PolicyVersion: policyVersion,
		EvaluatedAt:   now,
	}
	if tier == contracts.TierA {
		hash, err := action.ContentHash()
		if err != nil {
			return nil, err
		}
		raw, err := e.tokens.Issue(hash, action.RunID, policyVersion, score, tier, e.params.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("token issue: %w", err)
		}
		decision.Approved = true
		decision.Reason = "auto-approved"
		decision.Token = raw
	} else {
		decision.Reason = "requires human approval"
	}
	e.record(ctx, action, decision)
	return decision, nil
}

// unsafeArgument checks each argument against the length cap, the shell
// metacharacter pattern, and the path traversal pattern.
func (e *Evaluator) unsafeArgument(args []string) (string, bool) {
	for _, arg := range args {
		if len(arg) > e.params.MaxArgLength {
			return fmt.Sprintf("argument exceeds %d characters", e.params.MaxArgLength), true
		}
		if shellMetaPattern.MatchString(arg) {
			return fmt.Sprintf("argument %q contains shell metacharacters", arg), true
		}
		if pathTraversalPattern.MatchString(arg) {
			return fmt.Sprintf("argument %q matches path traversal pattern", arg), true
		}
	}
	return "", false
}

// riskScore computes base + criticality bump + keyword bumps, clamped to
// [0,1]. Each keyword tier contributes at most once regardless of how
// many of its words appear.
func (e *Evaluator) riskScore(action *contracts.ActionSpec, sc *scope.Scope) float64 {
	score, ok := e.params.BaseScores[action.Tool]
	if !ok {
		score = e.params.DefaultBaseScore
	}

	switch sc.CriticalityOf(action.Target) {
	case scope.CriticalityHigh:
		score += 0.3
	case scope.CriticalityMedium:
		score += 0.15
	}

	text := strings.ToLower(strings.Join(action.Args, " ") + " " + action.Justification)
	if containsAny(text, e.params.HighRiskKeywords) {
		score += 0.2
	}
	if containsAny(text, e.params.VeryHighRiskKeywords) {
		score += 0.25
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (e *Evaluator) tierFor(score float64) contracts.Tier {
	switch {
	case score < e.params.TierBThreshold:
		return contracts.TierA
	case score < e.params.TierCThreshold:
		return contracts.TierB
	default:
		return contracts.TierC
	}
}

// reject builds a rejection decision and writes the audit record.
func (e *Evaluator) reject(ctx context.Context, action *contracts.ActionSpec,
	checks map[string]contracts.CheckResult, kind contracts.ViolationKind,
	reason string, score float64, tier contracts.Tier,
	policyVersion string, now time.Time) (*contracts.PolicyDecision, error) {

	decision := &contracts.PolicyDecision{
		ActionID:      action.ID,
		Approved:      false,
		Reason:        reason,
		RiskScore:     score,
		Tier:          tier,
		Code:          kind,
		Checks:        checks,
		PolicyVersion: policyVersion,
		EvaluatedAt:   now,
	}
	e.record(ctx, action, decision)
	return decision, nil
}

// record writes exactly one audit record per evaluation.
func (e *Evaluator) record(ctx context.Context, action *contracts.ActionSpec, d *contracts.PolicyDecision) {
	details := map[string]any{
		"approved":       d.Approved,
		"reason":         d.Reason,
		"risk_score":     d.RiskScore,
		"tier":           string(d.Tier),
		"tool":           action.Tool,
		"target":         action.Target,
		"policy_version": d.PolicyVersion,
	}
	if d.Code != "" {
		details["code"] = string(d.Code)
	}
	_ = e.trail.Record(ctx, audit.EventPolicyDecision, contracts.ActorAgent, action.Proposer,
		"ACTION", action.ID, details)
}

func passed(reason string) contracts.CheckResult {
	return contracts.CheckResult{Passed: true, Reason: reason}
}

func failed(reason string) contracts.CheckResult {
	return contracts.CheckResult{Passed: false, Reason: reason}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
