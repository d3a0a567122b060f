package scope

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/operantsec/warden/pkg/contracts"
)

// Registry is the read-only view of a locked scope handed to the policy
// evaluator. Construction fails closed on an unlocked scope so nothing
// downstream ever evaluates against a draft boundary.
type Registry struct {
	scope *Scope
}

// NewRegistry wraps a locked scope. Returns ScopeNotLocked otherwise.
func NewRegistry(s *Scope) (*Registry, error) {
	if s == nil || !s.Locked() {
		return nil, contracts.NewViolation(contracts.ScopeNotLocked,
			"scope %q is not locked", scopeID(s))
	}
	return &Registry{scope: s}, nil
}

// Scope returns the underlying locked scope.
func (r *Registry) Scope() *Scope {
	return r.scope
}

// LoadFile reads a YAML scope document and wraps it in a Registry.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scope
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return NewRegistry(&s)
}

func scopeID(s *Scope) string {
	if s == nil {
		return ""
	}
	return s.ID
}
