// Package scope holds the immutable, locked boundary of permitted targets
// and methods for a run. The scope itself is produced and locked by an
// external scope-management subsystem; this core only reads it, and
// refuses to operate on a scope that has not been locked.
package scope

import (
	"net/netip"
	"strings"
	"time"
)

// Criticality is the declared business criticality of a target.
type Criticality string

const (
	CriticalityLow    Criticality = "LOW"
	CriticalityMedium Criticality = "MEDIUM"
	CriticalityHigh   Criticality = "HIGH"
)

// Target is one allowed target pattern with its criticality.
type Target struct {
	// Pattern is an exact host ("app.example.com"), a domain suffix
	// ("example.com" matches itself and subdomains), or a CIDR
	// ("10.0.0.0/24").
	Pattern     string      `yaml:"pattern" json:"pattern"`
	Criticality Criticality `yaml:"criticality" json:"criticality"`
}

// TestingWindow restricts when actions may run (UTC).
type TestingWindow struct {
	Days      []string `yaml:"days" json:"days"`
	StartHour int      `yaml:"start_hour" json:"start_hour"`
	EndHour   int      `yaml:"end_hour" json:"end_hour"`
}

// Allows reports whether t falls inside the window.
func (w *TestingWindow) Allows(t time.Time) bool {
	t = t.UTC()
	if len(w.Days) > 0 {
		day := strings.ToLower(t.Weekday().String())
		ok := false
		for _, d := range w.Days {
			if strings.ToLower(d) == day {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.StartHour != 0 || w.EndHour != 0 {
		h := t.Hour()
		if h < w.StartHour || h >= w.EndHour {
			return false
		}
	}
	return true
}

// RulesOfEngagement are operational constraints the client agreed to.
type RulesOfEngagement struct {
	// RateLimits caps executions per tool in the trailing 5-minute
	// window. Tools absent from the map use the policy default.
	RateLimits map[string]int `yaml:"rate_limits" json:"rate_limits"`
	// Window restricts testing to agreed days and hours, when set.
	Window *TestingWindow `yaml:"window" json:"window,omitempty"`
	// MaxConcurrent caps simultaneously executing actions per run.
	// Zero means no cap.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// Scope is the locked engagement boundary. Immutable once locked; the
// lock event happens outside this core.
type Scope struct {
	ID               string            `yaml:"id" json:"id"`
	Targets          []Target          `yaml:"targets" json:"targets"`
	Excluded         []string          `yaml:"excluded" json:"excluded"`
	ForbiddenMethods []string          `yaml:"forbidden_methods" json:"forbidden_methods"`
	ROE              RulesOfEngagement `yaml:"roe" json:"roe"`
	LockedAt         *time.Time        `yaml:"locked_at" json:"locked_at,omitempty"`
	LockedBy         string            `yaml:"locked_by" json:"locked_by,omitempty"`
}

// Locked reports whether the scope has been locked.
func (s *Scope) Locked() bool {
	return s.LockedAt != nil && !s.LockedAt.IsZero()
}

// Excludes reports whether target matches any excluded pattern.
// Exclusion always wins over allow-list membership.
func (s *Scope) Excludes(target string) bool {
	for _, p := range s.Excluded {
		if matchPattern(target, p) {
			return true
		}
	}
	return false
}

// Contains reports whether target matches any allowed pattern. It does
// not consider exclusions; callers check Excludes first.
func (s *Scope) Contains(target string) bool {
	for _, t := range s.Targets {
		if matchPattern(target, t.Pattern) {
			return true
		}
	}
	return false
}

// CriticalityOf returns the declared criticality of the allowed pattern
// matching target, defaulting to MEDIUM when unset.
func (s *Scope) CriticalityOf(target string) Criticality {
	for _, t := range s.Targets {
		if matchPattern(target, t.Pattern) {
			if t.Criticality == "" {
				return CriticalityMedium
			}
			return t.Criticality
		}
	}
	return CriticalityMedium
}

// MethodForbidden reports whether the scope forbids the given method.
func (s *Scope) MethodForbidden(method string) bool {
	for _, m := range s.ForbiddenMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchPattern matches a target against a single scope pattern: exact
// host, domain suffix (with or without a leading "*."), or CIDR.
func matchPattern(target, pattern string) bool {
	if target == pattern {
		return true
	}

	// CIDR containment for IP targets.
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		addr, err := netip.ParseAddr(target)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)
	}

	// Domain suffix: "example.com" and "*.example.com" both match
	// subdomains; only the bare form matches the apex itself.
	suffix := strings.TrimPrefix(pattern, "*.")
	if target == suffix && !strings.HasPrefix(pattern, "*.") {
		return true
	}
	return strings.HasSuffix(target, "."+suffix)
}
