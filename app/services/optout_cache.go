package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OptOutCache answers whether a phone number has opted out of receiving
// messages from an inbox. It is a lookaside over the persons table so the
// dispatcher can re-check consent per message without a directory query.
type OptOutCache interface {
	IsOptedOut(ctx context.Context, inboxID uint64, phone string) (bool, error)
	MarkOptedOut(ctx context.Context, inboxID uint64, phone string) error
	Clear(ctx context.Context, inboxID uint64, phone string) error
}

// RedisOptOutCache implements OptOutCache over Redis
type RedisOptOutCache struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisOptOutCache creates a Redis-backed opt-out cache
func NewRedisOptOutCache(rc *redis.Client, prefix string, ttl time.Duration) OptOutCache {
	return &RedisOptOutCache{rc: rc, prefix: prefix, ttl: ttl}
}

func (c *RedisOptOutCache) key(inboxID uint64, phone string) string {
	return fmt.Sprintf("%soptout:%d:%s", c.prefix, inboxID, phone)
}

// IsOptedOut reports whether the number is marked opted out. A cache miss
// means not opted out; the source of truth remains the person record.
func (c *RedisOptOutCache) IsOptedOut(ctx context.Context, inboxID uint64, phone string) (bool, error) {
	n, err := c.rc.Exists(ctx, c.key(inboxID, phone)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read opt-out cache: %w", err)
	}
	return n > 0, nil
}

// MarkOptedOut records the number as opted out for the configured TTL
func (c *RedisOptOutCache) MarkOptedOut(ctx context.Context, inboxID uint64, phone string) error {
	if err := c.rc.Set(ctx, c.key(inboxID, phone), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write opt-out cache: %w", err)
	}
	return nil
}

// Clear removes the opt-out marker, typically after a re-subscribe
func (c *RedisOptOutCache) Clear(ctx context.Context, inboxID uint64, phone string) error {
	if err := c.rc.Del(ctx, c.key(inboxID, phone)).Err(); err != nil {
		return fmt.Errorf("failed to clear opt-out cache: %w", err)
	}
	return nil
}

// MemoryOptOutCache implements OptOutCache in process memory, used when the
// cache is disabled and in tests.
type MemoryOptOutCache struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

// NewMemoryOptOutCache creates an in-memory opt-out cache
func NewMemoryOptOutCache() *MemoryOptOutCache {
	return &MemoryOptOutCache{entries: make(map[string]struct{})}
}

func (c *MemoryOptOutCache) key(inboxID uint64, phone string) string {
	return fmt.Sprintf("%d:%s", inboxID, phone)
}

func (c *MemoryOptOutCache) IsOptedOut(ctx context.Context, inboxID uint64, phone string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[c.key(inboxID, phone)]
	return ok, nil
}

func (c *MemoryOptOutCache) MarkOptedOut(ctx context.Context, inboxID uint64, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(inboxID, phone)] = struct{}{}
	return nil
}

func (c *MemoryOptOutCache) Clear(ctx context.Context, inboxID uint64, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.key(inboxID, phone))
	return nil
}
