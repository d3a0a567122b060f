package arena

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
)

func newArena() *Arena {
	return New(NewMemoryStorage(), nil, audit.Discard{}).
		WithRetryInterval(5 * time.Millisecond)
}

func TestTryAcquireContention(t *testing.T) {
	a := newArena()
	ctx := context.Background()

	lock, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	// A second worker cannot take a live lock.
	other, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	// The current holder may re-acquire, extending the TTL.
	again, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)

	require.NoError(t, lock.Release(ctx))
	other, err = a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	a := newArena().WithClock(func() time.Time { return now })
	ctx := context.Background()

	lock, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	now = now.Add(2 * time.Minute) // past the TTL

	taken, err := a.TryAcquire(ctx, "run-2", "target:app.example.com", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, taken)

	// The original holder's release is now a no-op.
	require.NoError(t, lock.Release(ctx))
	still, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, still, "worker-2's takeover must survive worker-1's stale release")
}

func TestAcquireQueuesUntilReleased(t *testing.T) {
	a := newArena()
	ctx := context.Background()

	lock, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	got := make(chan *Lock, 1)
	go func() {
		l, err := a.Acquire(ctx, "run-2", "target:app.example.com", "worker-2", time.Minute)
		assert.NoError(t, err)
		got <- l
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lock.Release(ctx))

	select {
	case l := <-got:
		require.NotNil(t, l)
		assert.Equal(t, "worker-2", l.Holder)
	case <-time.After(2 * time.Second):
		t.Fatal("queued claim never acquired the lock")
	}
}

func TestCancelRunAbortsQueuedClaims(t *testing.T) {
	a := newArena()
	ctx := context.Background()

	lock, err := a.TryAcquire(ctx, "run-1", "target:app.example.com", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	errs := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx, "run-2", "target:app.example.com", "worker-2", time.Minute)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.CancelRun(ctx, "run-2", "kill switch")

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Equal(t, contracts.RunNotActive, contracts.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("queued claim was not cancelled")
	}
}

func TestBudgetTripAbortsRun(t *testing.T) {
	runs := fsm.NewMemoryStore()
	runs.PutRun("run-1", contracts.RunRunning)
	machine := fsm.NewRunMachine(runs, audit.Discard{})

	a := New(NewMemoryStorage(), machine, audit.Discard{})
	ctx := context.Background()

	require.NoError(t, a.SetBudget(ctx, "run-1", 3))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Charge(ctx, "run-1", 1))
	}

	err := a.Charge(ctx, "run-1", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))

	status, _ := runs.GetRunStatus(ctx, "run-1")
	assert.Equal(t, contracts.RunAborted, status)

	// Further charges keep failing without re-abort errors.
	err = a.Charge(ctx, "run-1", 1)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
}

func TestChargeWithoutBudgetFailsClosed(t *testing.T) {
	a := newArena()
	err := a.Charge(context.Background(), "run-unknown", 1)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
}
