package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/operantsec/warden/pkg/contracts"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*contracts.Approval
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*contracts.Approval)}
}

func (s *MemoryStore) Create(_ context.Context, a *contracts.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[a.ID]; exists {
		return fmt.Errorf("approval %s already exists", a.ID)
	}
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, from, to contracts.ApprovalStatus,
	decidedAt time.Time, decidedBy, signature, notes string) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return false, fmt.Errorf("approval %s not found", id)
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.DecidedAt = &decidedAt
	a.DecidedBy = decidedBy
	a.Signature = signature
	a.Notes = notes
	return true, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, asOf time.Time) ([]*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.Approval
	for _, a := range s.approvals {
		if a.Status == contracts.ApprovalPending && !a.ExpiresAt.After(asOf) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
