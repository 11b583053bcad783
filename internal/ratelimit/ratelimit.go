// Package ratelimit caps how many chat requests a single client may start
// per window. Each arena request can fan out to several model instances, so
// the limit protects the local engine from being flooded.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether a request from key is allowed, the remaining
// quota in the current window, and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter uses fixed windows per key. Suitable for a single process.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return NewInMemoryRateLimiterWithWindow(time.Minute)
}

func NewInMemoryRateLimiterWithWindow(d time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		window:  d,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	w, ok := r.windows[key]
	if !ok || now.After(w.resetAt) {
		r.sweep(now)
		w = &window{resetAt: now.Add(r.window)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// sweep drops expired windows so idle clients do not accumulate. Caller holds mu.
func (r *InMemoryRateLimiter) sweep(now time.Time) {
	for key, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, key)
		}
	}
}
