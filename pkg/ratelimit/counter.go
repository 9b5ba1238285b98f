package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Counter counts events per key in fixed windows. Incr returns the count
// in the current window including this event.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is an in-process Counter. Keys beyond maxKeys evict the
// least recently used.
type MemoryCounter struct {
	mu    sync.Mutex
	cache *lru.LRU[string, *memoryWindow]
	now   func() time.Time
}

// NewMemoryCounter creates a MemoryCounter. maxWindow bounds how long an
// idle key is kept and should be at least the longest window used.
func NewMemoryCounter(maxKeys int, maxWindow time.Duration) *MemoryCounter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryCounter{
		cache: lru.NewLRU[string, *memoryWindow](maxKeys, nil, maxWindow),
		now:   time.Now,
	}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.cache.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		c.cache.Add(key, w)
	}
	w.count++
	return w.count, nil
}

// RedisCounter is a Counter shared through Redis
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a Redis-backed counter. Keys are namespaced by
// prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := fmt.Sprintf("%s:%s", c.prefix, key)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}

	// The window starts with the first event; later events must not extend it.
	if ttl.Val() < 0 {
		if err := c.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, fmt.Errorf("redis error: %w", err)
		}
	}
	return incr.Val(), nil
}
