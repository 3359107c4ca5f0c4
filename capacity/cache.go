package capacity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no live entry exists for a key.
var ErrCacheMiss = errors.New("cache miss")

// Cache keeps detected capacities for a time-to-live.
type Cache interface {
	Get(ctx context.Context, key string) (Capacity, error)
	Set(ctx context.Context, key string, c Capacity, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	capacity Capacity
	expires  time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Capacity{}, ErrCacheMiss
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return Capacity{}, ErrCacheMiss
	}
	return e.capacity, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, c Capacity, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{capacity: c}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// RedisCache shares detected capacities between processes that talk to the
// same backend.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, prefix string, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (c *RedisCache) formatKey(key string) string {
	return c.prefix + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (Capacity, error) {
	formattedKey := c.formatKey(key)

	start := time.Now()
	data, err := c.client.Get(ctx, formattedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("capacity cache miss", "key", formattedKey, "duration", time.Since(start))
		return Capacity{}, ErrCacheMiss
	} else if err != nil {
		return Capacity{}, fmt.Errorf("redis get %s: %w", formattedKey, err)
	}

	var cp Capacity
	if err := json.Unmarshal(data, &cp); err != nil {
		return Capacity{}, fmt.Errorf("decode cached capacity: %w", err)
	}
	c.logger.Debug("capacity cache hit", "key", formattedKey, "tokens", cp.Tokens, "duration", time.Since(start))
	return cp, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, cp Capacity, ttl time.Duration) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.formatKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.formatKey(key), err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.formatKey(key)).Err()
}
