// Package arena coordinates execution: advisory locks keep two workers
// off the same target at once, per-run action budgets bound how much a
// run may execute, and the kill switch cancels every queued claim the
// moment a run is aborted or trips its budget.
package arena

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
)

// ErrBudgetExhausted is returned by Charge when the run's action budget
// cannot cover the spend. The run is aborted as a side effect.
var ErrBudgetExhausted = errors.New("arena: run action budget exhausted")

// Lock is a held advisory lock. Release it when the work is done; an
// unreleased lock falls to TTL takeover.
type Lock struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
	arena     *Arena
}

// Release drops the lock. Safe to call once; a lock already taken over
// by TTL expiry releases as a no-op.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.arena.storage.Release(ctx, l.Key, l.Holder)
	return err
}

// Arena is the execution coordinator.
type Arena struct {
	storage Storage
	runs    *fsm.RunMachine
	trail   audit.Trail
	clock   func() time.Time
	retry   time.Duration

	mu      sync.Mutex
	waiting map[string]map[chan struct{}]struct{} // runID -> queued claim aborts
}

// New wires an arena. The run machine may be nil when budget kill
// switching is handled elsewhere.
func New(storage Storage, runs *fsm.RunMachine, trail audit.Trail) *Arena {
	return &Arena{
		storage: storage,
		runs:    runs,
		trail:   trail,
		clock:   time.Now,
		retry:   250 * time.Millisecond,
		waiting: make(map[string]map[chan struct{}]struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Arena) WithClock(clock func() time.Time) *Arena {
	a.clock = clock
	return a
}

// WithRetryInterval overrides how often a queued claim re-attempts.
func (a *Arena) WithRetryInterval(d time.Duration) *Arena {
	a.retry = d
	return a
}

// TryAcquire attempts the lock once without queueing.
func (a *Arena) TryAcquire(ctx context.Context, runID, key, holder string, ttl time.Duration) (*Lock, error) {
	now := a.clock().UTC()
	expires := now.Add(ttl)
	ok, err := a.storage.TryAcquire(ctx, key, holder, expires, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	_ = a.trail.Record(ctx, audit.EventLockAcquired, contracts.ActorWorker, holder,
		"LOCK", key, map[string]any{
			"run_id":     runID,
			"expires_at": expires.Format(time.RFC3339),
		})
	return &Lock{Key: key, Holder: holder, ExpiresAt: expires, arena: a}, nil
}

// Acquire queues for the lock, retrying until it is held, the context is
// done, or the run's queued claims are cancelled.
func (a *Arena) Acquire(ctx context.Context, runID, key, holder string, ttl time.Duration) (*Lock, error) {
	cancelled := a.enqueue(runID)
	defer a.dequeue(runID, cancelled)

	ticker := time.NewTicker(a.retry)
	defer ticker.Stop()

	for {
		lock, err := a.TryAcquire(ctx, runID, key, holder, ttl)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancelled:
			return nil, contracts.NewViolation(contracts.RunNotActive,
				"run %s cancelled while waiting for lock %s", runID, key)
		case <-ticker.C:
		}
	}
}

func (a *Arena) enqueue(runID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	if a.waiting[runID] == nil {
		a.waiting[runID] = make(map[chan struct{}]struct{})
	}
	a.waiting[runID][ch] = struct{}{}
	return ch
}

func (a *Arena) dequeue(runID string, ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.waiting[runID], ch)
	if len(a.waiting[runID]) == 0 {
		delete(a.waiting, runID)
	}
}

// CancelRun aborts every claim queued for the run. Called by the kill
// switch and by the budget trip; the run state itself is handled by the
// run machine, not here.
func (a *Arena) CancelRun(ctx context.Context, runID, reason string) {
	a.mu.Lock()
	cancelled := 0
	for ch := range a.waiting[runID] {
		close(ch)
		cancelled++
	}
	delete(a.waiting, runID)
	a.mu.Unlock()

	if cancelled > 0 {
		_ = a.trail.Record(ctx, audit.EventTasksCancelled, contracts.ActorSystem, "arena",
			"RUN", runID, map[string]any{"cancelled": cancelled, "reason": reason})
	}
}

// SetBudget fixes how many actions the run may execute in total.
func (a *Arena) SetBudget(ctx context.Context, runID string, maxActions int) error {
	return a.storage.SetBudget(ctx, &Budget{RunID: runID, MaxActions: maxActions})
}

// Charge spends n units of the run's budget. Fails closed: a run without
// a budget row cannot spend. A trip aborts the run and cancels its
// queued claims.
func (a *Arena) Charge(ctx context.Context, runID string, n int) error {
	ok, err := a.storage.Spend(ctx, runID, n)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	a.CancelRun(ctx, runID, "action budget exhausted")
	if a.runs != nil {
		if err := a.runs.Abort(ctx, runID, contracts.ActorSystem, "arena", "action budget exhausted"); err != nil {
			// Already terminal is fine; the budget verdict stands.
			if contracts.KindOf(err) != contracts.InvalidStateTransition {
				return err
			}
		}
	}
	return ErrBudgetExhausted
}
