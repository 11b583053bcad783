// Package cache stores completed non-streaming instance replies so that an
// identical instance (same provider, model, options and conversation) can be
// answered without calling the backend again. Caching is opt-in: sampling is
// usually non-deterministic unless a seed is fixed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

const (
	keyPrefix = "arena:cache:"

	DefaultMaxEntries = 1024
)

type Cache interface {
	Get(ctx context.Context, key string) (*domain.Completion, bool)
	Set(ctx context.Context, key string, comp *domain.Completion, ttl time.Duration) error
}

// Key hashes everything that determines a reply. The instance id is
// excluded since two ids with identical settings are interchangeable.
func Key(provider string, inst domain.ModelInstance, conv domain.Conversation) string {
	data, _ := json.Marshal(struct {
		Provider string                   `json:"provider"`
		Model    string                   `json:"model"`
		Options  domain.GenerationOptions `json:"options"`
		Messages domain.Conversation      `json:"messages"`
	}{
		Provider: provider,
		Model:    inst.Model,
		Options:  inst.Options,
		Messages: conv,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu         sync.RWMutex
	items      map[string]cacheItem
	maxEntries int
	stop       chan struct{}
	once       sync.Once
}

type cacheItem struct {
	completion domain.Completion
	expiresAt  time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithLimit(DefaultMaxEntries)
}

// NewInMemoryCacheWithLimit bounds the number of stored replies. When full,
// expired entries go first, then the entry closest to expiry.
func NewInMemoryCacheWithLimit(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &InMemoryCache{
		items:      make(map[string]cacheItem),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanup(time.Minute)
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.Completion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}

	comp := item.completion
	return &comp, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, comp *domain.Completion, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}

	c.items[key] = cacheItem{
		completion: *comp,
		expiresAt:  now.Add(ttl),
	}
	return nil
}

// evictLocked frees at least one slot. Caller holds mu.
func (c *InMemoryCache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			continue
		}
		if oldestKey == "" || item.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = key, item.expiresAt
		}
	}
	if len(c.items) >= c.maxEntries && oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *InMemoryCache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// RedisCache shares cached replies between replicas. Entries that fail to
// decode are treated as misses.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Completion, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var comp domain.Completion
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, false
	}

	return &comp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, comp *domain.Completion, ttl time.Duration) error {
	data, err := json.Marshal(comp)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
