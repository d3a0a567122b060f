package contracts

import (
	"errors"
	"fmt"
)

// ViolationKind enumerates every governance failure a caller can receive.
// Each kind maps to a distinct remediation: re-target, wait and retry,
// or re-propose.
type ViolationKind string

const (
	// ScopeViolation: target excluded or out of bounds. Run-fatal.
	ScopeViolation ViolationKind = "SCOPE_VIOLATION"
	// ToolNotAllowed: tool unknown to the policy. Structural.
	ToolNotAllowed ViolationKind = "TOOL_NOT_ALLOWED"
	// ToolNotEnabled: tool known but deferred from autonomous use.
	ToolNotEnabled ViolationKind = "TOOL_NOT_ENABLED"
	// UnsafeArgument: argument failed the safety patterns. Structural.
	UnsafeArgument ViolationKind = "UNSAFE_ARGUMENT"
	// RateLimitExceeded: transient, retryable after backoff.
	RateLimitExceeded ViolationKind = "RATE_LIMIT_EXCEEDED"
	// ConcurrencyLimitExceeded: the run holds every ROE execution slot
	// right now. Transient; retry when a slot frees.
	ConcurrencyLimitExceeded ViolationKind = "CONCURRENCY_LIMIT_EXCEEDED"
	// OutsideTestingWindow: the agreed window is closed. Transient;
	// retry when it opens.
	OutsideTestingWindow ViolationKind = "OUTSIDE_TESTING_WINDOW"
	// InvalidStateTransition: ordering error, always surfaced.
	InvalidStateTransition ViolationKind = "INVALID_STATE_TRANSITION"

	TokenSignatureInvalid ViolationKind = "TOKEN_SIGNATURE_INVALID"
	TokenExpired          ViolationKind = "TOKEN_EXPIRED"
	TokenHashMismatch     ViolationKind = "TOKEN_HASH_MISMATCH"

	ApprovalAlreadyDecided ViolationKind = "APPROVAL_ALREADY_DECIDED"
	ApprovalExpiredKind    ViolationKind = "APPROVAL_EXPIRED"
	// ApprovalContentMismatch: the spec presented at decide time does not
	// hash to the content the approval was opened for.
	ApprovalContentMismatch ViolationKind = "APPROVAL_CONTENT_MISMATCH"

	// ChainIntegrityViolation surfaces only from chain verification,
	// never from writes. Treated as a security incident.
	ChainIntegrityViolation ViolationKind = "CHAIN_INTEGRITY_VIOLATION"

	ScopeNotLocked ViolationKind = "SCOPE_NOT_LOCKED"
	RunNotActive   ViolationKind = "RUN_NOT_ACTIVE"
)

// Violation is the single explicit failure type for governance
// operations. It carries the kind for programmatic handling and a
// human-readable detail for operators.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// NewViolation constructs a Violation with a formatted detail.
func NewViolation(kind ViolationKind, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the caller may legitimately retry the same
// operation later. Only the transient resource conditions qualify;
// everything else needs a different action or a fresh proposal.
func (v *Violation) Retryable() bool {
	switch v.Kind {
	case RateLimitExceeded, ConcurrencyLimitExceeded, OutsideTestingWindow:
		return true
	}
	return false
}

// KindOf extracts the ViolationKind from err, or "" if err is not a
// Violation.
func KindOf(err error) ViolationKind {
	var v *Violation
	if errors.As(err, &v) {
		return v.Kind
	}
	return ""
}

// IsViolation reports whether err is a Violation of the given kind.
func IsViolation(err error, kind ViolationKind) bool {
	return KindOf(err) == kind
}
