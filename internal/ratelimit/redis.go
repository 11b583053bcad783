package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares fixed windows between arena replicas. Each window
// is one counter key that expires when the window ends.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{client: client, window: window, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	start := r.now().Truncate(r.window)
	resetAt := start.Add(r.window)
	counterKey := fmt.Sprintf("arena:ratelimit:%s:%d", key, start.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.ExpireAt(ctx, counterKey, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	if count > limit {
		return false, 0, resetAt, nil
	}
	return true, limit - count, resetAt, nil
}
