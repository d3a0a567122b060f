package ledger

import (
	"context"
	"sync"

	"github.com/operantsec/warden/pkg/contracts"
)

// MemoryEvidenceStore implements EvidenceStore in process memory,
// preserving creation order per run.
type MemoryEvidenceStore struct {
	mu    sync.Mutex
	byRun map[string][]*contracts.Evidence
}

// NewMemoryEvidenceStore creates an empty in-memory evidence store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{byRun: make(map[string][]*contracts.Evidence)}
}

func (s *MemoryEvidenceStore) AppendEvidence(_ context.Context, e *contracts.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.byRun[e.RunID] = append(s.byRun[e.RunID], &cp)
	return nil
}

func (s *MemoryEvidenceStore) LastEvidence(_ context.Context, runID string) (*contracts.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.byRun[runID]
	if len(items) == 0 {
		return nil, nil
	}
	cp := *items[len(items)-1]
	return &cp, nil
}

func (s *MemoryEvidenceStore) ListEvidence(_ context.Context, runID string) ([]*contracts.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.byRun[runID]
	out := make([]*contracts.Evidence, len(items))
	for i, e := range items {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
