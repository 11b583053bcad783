package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "client1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "client1", 3)
	rl.Allow(ctx, "client1", 3)

	allowed, remaining, _, err = rl.Allow(ctx, "client1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed to be false after limit exceeded")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_DifferentClients(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "client1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "client1", 1); allowed {
		t.Error("client1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "client2", 1); !allowed {
		t.Error("client2 should not be rate limited")
	}
}

func TestInMemoryRateLimiter_WindowResets(t *testing.T) {
	rl := NewInMemoryRateLimiterWithWindow(time.Minute)
	current := time.Unix(0, 0)
	rl.now = func() time.Time { return current }
	ctx := context.Background()

	_, _, resetAt, _ := rl.Allow(ctx, "client1", 1)
	if want := current.Add(time.Minute); !resetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", resetAt, want)
	}
	if allowed, _, _, _ := rl.Allow(ctx, "client1", 1); allowed {
		t.Error("second request in window should be denied")
	}

	current = current.Add(61 * time.Second)
	if allowed, _, _, _ := rl.Allow(ctx, "client1", 1); !allowed {
		t.Error("request in a new window should be allowed")
	}
}

func TestInMemoryRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewInMemoryRateLimiterWithWindow(time.Minute)
	current := time.Unix(0, 0)
	rl.now = func() time.Time { return current }
	ctx := context.Background()

	rl.Allow(ctx, "idle", 5)
	current = current.Add(2 * time.Minute)
	rl.Allow(ctx, "active", 5)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["idle"]; ok {
		t.Error("expired window for idle client should have been swept")
	}
}

func TestInMemoryRateLimiter_RemainingCount(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	limit := 5

	for i := 0; i < limit; i++ {
		allowed, remaining, _, _ := rl.Allow(ctx, "client1", limit)
		if !allowed {
			t.Errorf("request %d should be allowed", i)
		}
		if want := limit - i - 1; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i, remaining, want)
		}
	}

	allowed, remaining, _, _ := rl.Allow(ctx, "client1", limit)
	if allowed {
		t.Error("request after limit should be denied")
	}
	if remaining != 0 {
		t.Errorf("remaining after limit = %d, want 0", remaining)
	}
}

func TestInMemoryRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	limit := 100

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rl.Allow(ctx, "client1", limit)
			}
		}()
	}
	wg.Wait()

	if allowed, _, _, _ := rl.Allow(ctx, "client1", limit); allowed {
		t.Error("should be rate limited after concurrent access")
	}
}

func TestInMemoryRateLimiter_ZeroLimit(t *testing.T) {
	rl := NewInMemoryRateLimiter()

	allowed, remaining, _, _ := rl.Allow(context.Background(), "client1", 0)
	if allowed {
		t.Error("zero limit should deny all requests")
	}
	if remaining != 0 {
		t.Errorf("remaining with zero limit = %d, want 0", remaining)
	}
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis rate limiter tests")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	rl := NewRedisRateLimiter(client, time.Minute)
	ctx := context.Background()
	key := "test-" + time.Now().Format(time.RFC3339Nano)

	for i := 0; i < 2; i++ {
		allowed, remaining, resetAt, err := rl.Allow(ctx, key, 2)
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
		if remaining != 1-i {
			t.Errorf("request %d: remaining = %d, want %d", i, remaining, 1-i)
		}
		if !resetAt.After(time.Now()) {
			t.Errorf("resetAt = %v, want a future time", resetAt)
		}
	}
	if allowed, _, _, _ := rl.Allow(ctx, key, 2); allowed {
		t.Error("third request should be denied")
	}
}
