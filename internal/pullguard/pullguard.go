// Package pullguard keeps a model from being downloaded twice at the same
// time, within one process or across replicas sharing Redis.
package pullguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Guard interface {
	// Acquire reports whether the caller now owns the pull of model on provider.
	// A false result means another pull is already running.
	Acquire(ctx context.Context, provider, model string) bool
	Release(ctx context.Context, provider, model string)
}

type InMemoryGuard struct {
	mu     sync.Mutex
	active map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewInMemoryGuard creates a guard whose claims expire after ttl even if
// Release is never called. A non-positive ttl disables expiry.
func NewInMemoryGuard(ttl time.Duration) *InMemoryGuard {
	return &InMemoryGuard{
		active: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (g *InMemoryGuard) Acquire(ctx context.Context, provider, model string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pullKey(provider, model)
	if since, ok := g.active[key]; ok {
		if g.ttl <= 0 || g.now().Sub(since) < g.ttl {
			return false
		}
	}
	g.active[key] = g.now()
	return true
}

func (g *InMemoryGuard) Release(ctx context.Context, provider, model string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, pullKey(provider, model))
}

// RedisGuard claims pulls with SETNX so only one replica downloads a model.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

// Acquire fails open when Redis is unreachable.
func (g *RedisGuard) Acquire(ctx context.Context, provider, model string) bool {
	acquired, err := g.client.SetNX(ctx, "arena:"+pullKey(provider, model), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (g *RedisGuard) Release(ctx context.Context, provider, model string) {
	g.client.Del(ctx, "arena:"+pullKey(provider, model))
}

func pullKey(provider, model string) string {
	return fmt.Sprintf("pull:%s:%s", provider, model)
}
