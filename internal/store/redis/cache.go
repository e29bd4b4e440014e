package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-simv1/internal/logger"
)

// MemoryCache is a TTL map used when Redis is unavailable.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]memItem
	maxSize int
	now     func() time.Time
}

type memItem struct {
	data    []byte
	expires time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryCache{items: make(map[string]memItem), maxSize: maxSize, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(it.expires) {
		delete(m.items, key)
		return nil, false
	}
	return it.data, true
}

func (m *MemoryCache) Set(_ context.Context, key string, data []byte, ttlSeconds int) {
	if ttlSeconds <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.items) >= m.maxSize {
		m.sweep(now)
	}
	if len(m.items) >= m.maxSize {
		// Still full: drop an arbitrary entry.
		for k := range m.items {
			delete(m.items, k)
			break
		}
	}
	m.items[key] = memItem{data: data, expires: now.Add(time.Duration(ttlSeconds) * time.Second)}
}

func (m *MemoryCache) sweep(now time.Time) {
	for k, it := range m.items {
		if !now.Before(it.expires) {
			delete(m.items, k)
		}
	}
}

// Len returns the number of entries, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// CandleCache stores serialized candle responses in Redis with SETEX and
// falls back to a MemoryCache while the breaker is open or Redis errors.
// It implements model.CandleCache.
type CandleCache struct {
	client   *goredis.Client
	cb       *CircuitBreaker
	fallback *MemoryCache
	log      *slog.Logger
}

// NewCandleCache creates a cache. client may be nil for memory-only operation.
func NewCandleCache(client *goredis.Client, cb *CircuitBreaker, fallback *MemoryCache, log *slog.Logger) *CandleCache {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	if fallback == nil {
		fallback = NewMemoryCache(0)
	}
	return &CandleCache{client: client, cb: cb, fallback: fallback, log: logger.OrDefault(log)}
}

func (c *CandleCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client == nil {
		return c.fallback.Get(ctx, key)
	}
	var data []byte
	var hit bool
	err := c.cb.Execute(func() error {
		b, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		data, hit = b, true
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			c.log.Warn("redis cache get failed, using memory", "key", key, "error", err)
		}
		return c.fallback.Get(ctx, key)
	}
	return data, hit
}

func (c *CandleCache) Set(ctx context.Context, key string, data []byte, ttlSeconds int) {
	if ttlSeconds <= 0 {
		return
	}
	if c.client == nil {
		c.fallback.Set(ctx, key, data, ttlSeconds)
		return
	}
	err := c.cb.Execute(func() error {
		return c.client.SetEX(ctx, key, data, time.Duration(ttlSeconds)*time.Second).Err()
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			c.log.Warn("redis cache set failed, using memory", "key", key, "error", err)
		}
		c.fallback.Set(ctx, key, data, ttlSeconds)
	}
}

// Breaker exposes the breaker for health reporting.
func (c *CandleCache) Breaker() *CircuitBreaker { return c.cb }
