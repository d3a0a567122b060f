package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter over a Redis sorted set per (run, tool),
// scored by unix nanos, for deployments where evaluators run in multiple
// processes. Keys self-expire once the window has long passed.
type RedisCounter struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisCounter creates a counter backed by the given Redis address.
func NewRedisCounter(addr, password string, db int) *RedisCounter {
	return &RedisCounter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		clock: time.Now,
	}
}

// NewRedisCounterWithClient wraps an existing client, for tests.
func NewRedisCounterWithClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *RedisCounter) WithClock(clock func() time.Time) *RedisCounter {
	c.clock = clock
	return c
}

func rateKey(runID, tool string) string {
	return fmt.Sprintf("warden:rate:%s:%s", runID, tool)
}

func (c *RedisCounter) CountRecent(ctx context.Context, runID, tool string, window time.Duration) (int, error) {
	key := rateKey(runID, tool)
	cutoff := c.clock().Add(-window).UnixNano()

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis rate count: %w", err)
	}
	return int(card.Val()), nil
}

func (c *RedisCounter) Note(ctx context.Context, runID, tool string, at time.Time) error {
	key := rateKey(runID, tool)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: uuid.New().String(),
	})
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rate note: %w", err)
	}
	return nil
}
