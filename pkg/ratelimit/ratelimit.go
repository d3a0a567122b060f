// Package ratelimit counts recent tool executions per run so the policy
// evaluator can enforce trailing-window rate limits.
//
// Counters are advisory snapshots: a count and a later note are not one
// atomic unit, so two evaluations racing a limit boundary may both pass.
// That approximation is accepted; the limits protect targets from
// sustained load, not from a single off-by-one burst.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter tracks tool executions inside a trailing window.
type Counter interface {
	// CountRecent returns how many executions of tool were noted for
	// the run within the trailing window ending now.
	CountRecent(ctx context.Context, runID, tool string, window time.Duration) (int, error)
	// Note records one execution of tool for the run.
	Note(ctx context.Context, runID, tool string, at time.Time) error
}

// MemoryCounter implements Counter in process memory.
type MemoryCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	clock  func() time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		events: make(map[string][]time.Time),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCounter) WithClock(clock func() time.Time) *MemoryCounter {
	c.clock = clock
	return c
}

func (c *MemoryCounter) key(runID, tool string) string {
	return runID + ":" + tool
}

func (c *MemoryCounter) CountRecent(_ context.Context, runID, tool string, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock().Add(-window)
	key := c.key(runID, tool)

	// Prune while counting; old entries never become relevant again.
	kept := c.events[key][:0]
	for _, at := range c.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.events[key] = kept
	return len(kept), nil
}

func (c *MemoryCounter) Note(_ context.Context, runID, tool string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(runID, tool)
	c.events[key] = append(c.events[key], at)
	return nil
}
