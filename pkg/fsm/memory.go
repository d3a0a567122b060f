package fsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/operantsec/warden/pkg/contracts"
)

// MemoryStore implements ActionStore and RunStore in process memory.
// Thread-safe via a single mutex; the CAS check and write happen under it.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]contracts.ActionStatus
	runs    map[string]contracts.RunStatus
}

// NewMemoryStore creates an empty in-memory status store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]contracts.ActionStatus),
		runs:    make(map[string]contracts.RunStatus),
	}
}

// PutAction seeds an action status.
func (s *MemoryStore) PutAction(actionID string, status contracts.ActionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[actionID] = status
}

// PutRun seeds a run status.
func (s *MemoryStore) PutRun(runID string, status contracts.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = status
}

func (s *MemoryStore) GetActionStatus(_ context.Context, actionID string) (contracts.ActionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.actions[actionID]
	if !ok {
		return "", fmt.Errorf("action %q not found", actionID)
	}
	return status, nil
}

func (s *MemoryStore) CompareAndSwapAction(_ context.Context, actionID string, old, new contracts.ActionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.actions[actionID]
	if !ok {
		return false, fmt.Errorf("action %q not found", actionID)
	}
	if current != old {
		return false, nil
	}
	s.actions[actionID] = new
	return true, nil
}

func (s *MemoryStore) GetRunStatus(_ context.Context, runID string) (contracts.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %q not found", runID)
	}
	return status, nil
}

func (s *MemoryStore) CompareAndSwapRun(_ context.Context, runID string, old, new contracts.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %q not found", runID)
	}
	if current != old {
		return false, nil
	}
	s.runs[runID] = new
	return true, nil
}
