package pullguard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryGuard_Acquire(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGuard(time.Hour)

	if !g.Acquire(ctx, "ollama", "gemma3:1b") {
		t.Error("first pull should be allowed")
	}
	if g.Acquire(ctx, "ollama", "gemma3:1b") {
		t.Error("concurrent pull of the same model should be refused")
	}
	if !g.Acquire(ctx, "ollama", "ministral-3:3b") {
		t.Error("different model should be allowed")
	}
	if !g.Acquire(ctx, "", "gemma3:1b") {
		t.Error("different provider should be allowed")
	}
}

func TestInMemoryGuard_Release(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGuard(time.Hour)

	g.Acquire(ctx, "ollama", "gemma3:1b")
	g.Release(ctx, "ollama", "gemma3:1b")

	if !g.Acquire(ctx, "ollama", "gemma3:1b") {
		t.Error("after release, pull should be allowed again")
	}
}

func TestInMemoryGuard_Expiry(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGuard(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Acquire(ctx, "ollama", "gemma3:1b")

	now = now.Add(30 * time.Second)
	if g.Acquire(ctx, "ollama", "gemma3:1b") {
		t.Error("claim should still hold before ttl")
	}

	now = now.Add(time.Minute)
	if !g.Acquire(ctx, "ollama", "gemma3:1b") {
		t.Error("stale claim should expire after ttl")
	}
}

func TestRedisGuard(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis guard tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	a := NewRedisGuard(client, time.Minute)
	b := NewRedisGuard(client, time.Minute)
	defer a.Release(ctx, "ollama", "redis-test-model")

	if !a.Acquire(ctx, "ollama", "redis-test-model") {
		t.Fatal("first replica should acquire")
	}
	if b.Acquire(ctx, "ollama", "redis-test-model") {
		t.Error("second replica should be refused")
	}

	a.Release(ctx, "ollama", "redis-test-model")
	if !b.Acquire(ctx, "ollama", "redis-test-model") {
		t.Error("second replica should acquire after release")
	}
	b.Release(ctx, "ollama", "redis-test-model")
}
