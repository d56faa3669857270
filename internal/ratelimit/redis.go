package ratelimit

import (
	"context"
	"time"

	"github.com/riftline/control-plane/internal/cache"
)

// RedisLimiter backs the same Limiter interface with Redis INCR+EXPIRE,
// for deployments running more than one control-plane instance behind a
// shared rate-limit view. It approximates a fixed window rather than a
// true sliding one -- acceptable for the throttle's purpose of flattening
// bursts, not enforcing an exact per-second budget.
type RedisLimiter struct {
	cache        *cache.Cache
	window       time.Duration
	maxPerWindow int
}

// NewRedisLimiter wraps a Redis-backed cache client.
func NewRedisLimiter(c *cache.Cache, maxPerWindow int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{cache: c, window: window, maxPerWindow: maxPerWindow}
}

func (r *RedisLimiter) TryAcquire(key string) bool {
	ctx := context.Background()
	k := cache.RateLimitKey(key)
	count, err := r.cache.Increment(ctx, k)
	if err != nil {
		// Fail open: a Redis outage should not take down the token
		// endpoint, only its throttle.
		return true
	}
	if count == 1 {
		_ = r.cache.Expire(ctx, k, r.window)
	}
	return count <= int64(r.maxPerWindow)
}

func (r *RedisLimiter) RetryAfter(key string) int {
	ttl, err := r.cache.TTL(context.Background(), cache.RateLimitKey(key))
	if err != nil || ttl <= 0 {
		return 0
	}
	return int(ttl.Seconds()) + 1
}

func (r *RedisLimiter) GetAttempts(key string) int {
	var count int64
	if err := r.cache.Get(context.Background(), cache.RateLimitKey(key), &count); err != nil {
		return 0
	}
	return int(count)
}

func (r *RedisLimiter) Reset(key string) {
	_ = r.cache.Delete(context.Background(), cache.RateLimitKey(key))
}

// Stop is a no-op: RedisLimiter owns no background goroutine, Redis expires
// keys on its own.
func (r *RedisLimiter) Stop() {}

var _ Limiter = (*RedisLimiter)(nil)
