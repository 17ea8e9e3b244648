// Package cache stores short-lived JSON values.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores JSON encodable values under string keys.
type Cache interface {
	// Get decodes the value for key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Redis is a Cache backed by Redis strings.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis wraps client. Keys are namespaced with "devflow:cache:".
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, prefix: "devflow:cache:", logger: logger.With("component", "cache")}
}

func (c *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return false, nil
	}
	return true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	return c.client.Del(ctx, full...).Err()
}

type entry struct {
	raw       []byte
	expiresAt time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.raw, dest); err != nil {
		return false, fmt.Errorf("decode cache value: %w", err)
	}
	return true, nil
}

func (c *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	e := entry{raw: raw}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *Memory) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}
