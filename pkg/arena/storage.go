package arena

import (
	"context"
	"sync"
	"time"
)

// Budget bounds how many actions one run may execute.
type Budget struct {
	RunID      string
	MaxActions int
	Used       int
}

// Storage persists advisory locks and run budgets. Both operations are
// claims: a conditional write decides the winner, never a read-then-write
// in the caller.
type Storage interface {
	// TryAcquire claims the lock for holder until expires. An existing
	// lock whose expiry is at or before now may be taken over. Returns
	// false when another live holder has it.
	TryAcquire(ctx context.Context, key, holder string, expires, now time.Time) (bool, error)
	// Release drops the lock if holder still owns it.
	Release(ctx context.Context, key, holder string) (bool, error)

	// SetBudget creates or replaces the run's budget.
	SetBudget(ctx context.Context, b *Budget) error
	// Budget returns the run's budget, or nil when none was set.
	Budget(ctx context.Context, runID string) (*Budget, error)
	// Spend adds n to the run's usage only while it stays within
	// MaxActions. Returns false when the spend would exceed the budget
	// or no budget exists.
	Spend(ctx context.Context, runID string, n int) (bool, error)
}

type memLock struct {
	holder  string
	expires time.Time
}

// MemoryStorage implements Storage in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	locks   map[string]memLock
	budgets map[string]*Budget
}

// NewMemoryStorage creates an empty in-memory arena storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		locks:   make(map[string]memLock),
		budgets: make(map[string]*Budget),
	}
}

func (s *MemoryStorage) TryAcquire(_ context.Context, key, holder string, expires, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, held := s.locks[key]
	if held && current.holder != holder && current.expires.After(now) {
		return false, nil
	}
	s.locks[key] = memLock{holder: holder, expires: expires}
	return true, nil
}

func (s *MemoryStorage) Release(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, held := s.locks[key]
	if !held || current.holder != holder {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStorage) SetBudget(_ context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.budgets[b.RunID] = &cp
	return nil
}

func (s *MemoryStorage) Budget(_ context.Context, runID string) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[runID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStorage) Spend(_ context.Context, runID string, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[runID]
	if !ok || b.Used+n > b.MaxActions {
		return false, nil
	}
	b.Used += n
	return true, nil
}
