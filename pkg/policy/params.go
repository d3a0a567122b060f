package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/operantsec/warden/pkg/contracts"
)

// Params are the tunable policy parameters. Everything an operator may
// legitimately vary per engagement lives here rather than in constants:
// tool stages, risk weights, tier thresholds, TTLs, rate limits.
type Params struct {
	// EnabledTools is the set cleared for autonomous proposal.
	EnabledTools []string `yaml:"enabled_tools"`
	// DeferredTools are known to the platform but not yet cleared for
	// autonomous use; proposing one is rejected with a distinct reason
	// from an unknown tool.
	DeferredTools []string `yaml:"deferred_tools"`

	// BaseScores is the per-tool base risk score; tools absent from the
	// map use DefaultBaseScore.
	BaseScores       map[string]float64 `yaml:"base_scores"`
	DefaultBaseScore float64            `yaml:"default_base_score"`

	HighRiskKeywords     []string `yaml:"high_risk_keywords"`
	VeryHighRiskKeywords []string `yaml:"very_high_risk_keywords"`

	// Tier thresholds: score < TierBThreshold is TierA (auto-approve),
	// score < TierCThreshold is TierB, anything at or above is TierC.
	TierBThreshold float64 `yaml:"tier_b_threshold"`
	TierCThreshold float64 `yaml:"tier_c_threshold"`

	// RateLimits caps proposals per tool inside RateWindow; tools absent
	// from the map use DefaultRateLimit. Scope ROE limits override both.
	RateLimits       map[string]int `yaml:"rate_limits"`
	DefaultRateLimit int            `yaml:"default_rate_limit"`
	RateWindow       time.Duration  `yaml:"rate_window"`

	// MaxArgLength caps each argument string.
	MaxArgLength int `yaml:"max_arg_length"`

	// TokenTTL bounds the validity of auto-issued capability tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// ApprovalTTLMinutes is the tier to approval time-to-live table.
	// The source system carried two competing schemes; the explicit
	// per-tier table is canonical here, with these defaults.
	ApprovalTTLMinutes map[contracts.Tier]int `yaml:"approval_ttl_minutes"`
}

// DefaultParams returns the stock policy parameters.
func DefaultParams() *Params {
	return &Params{
		EnabledTools:  []string{"httpx", "nmap", "dnsx", "subfinder", "katana", "ffuf"},
		DeferredTools: []string{"nuclei", "sqlmap", "nikto", "metasploit"},
		BaseScores: map[string]float64{
			"httpx":     0.2,
			"nmap":      0.2,
			"dnsx":      0.1,
			"subfinder": 0.1,
			"katana":    0.25,
			"ffuf":      0.3,
		},
		DefaultBaseScore:     0.5,
		HighRiskKeywords:     []string{"exploit", "shell", "payload", "reverse"},
		VeryHighRiskKeywords: []string{"dump", "exfil", "extract"},
		TierBThreshold:       0.4,
		TierCThreshold:       0.7,
		RateLimits: map[string]int{
			"httpx": 20,
			"nmap":  10,
		},
		DefaultRateLimit: 10,
		RateWindow:       5 * time.Minute,
		MaxArgLength:     1000,
		TokenTTL:         time.Hour,
		ApprovalTTLMinutes: map[contracts.Tier]int{
			contracts.TierB: 15,
			contracts.TierC: 60,
		},
	}
}

// ApprovalTTL returns the approval window for a tier.
func (p *Params) ApprovalTTL(tier contracts.Tier) time.Duration {
	if minutes, ok := p.ApprovalTTLMinutes[tier]; ok {
		return time.Duration(minutes) * time.Minute
	}
	// Unknown tiers get the most conservative (longest review) window.
	return time.Duration(p.ApprovalTTLMinutes[contracts.TierC]) * time.Minute
}

// RateLimitFor resolves the effective limit for a tool: scope ROE first,
// then the policy table, then the default.
func (p *Params) RateLimitFor(tool string, roeLimits map[string]int) int {
	if limit, ok := roeLimits[tool]; ok {
		return limit
	}
	if limit, ok := p.RateLimits[tool]; ok {
		return limit
	}
	return p.DefaultRateLimit
}

// LoadParams reads YAML policy parameters, filling gaps from defaults.
func LoadParams(path string) (*Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	params := DefaultParams()
	if err := yaml.Unmarshal(raw, params); err != nil {
		return nil, fmt.Errorf("policy params %s: %w", path, err)
	}
	if params.TierBThreshold <= 0 || params.TierCThreshold <= params.TierBThreshold {
		return nil, fmt.Errorf("policy params %s: tier thresholds must satisfy 0 < B < C", path)
	}
	return params, nil
}
