package redis

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"trading-simv1/internal/logger"
)

// MemoryLimiter is a per-key token bucket allowing max calls per window.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewMemoryLimiter creates a limiter admitting max calls per window per key.
func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	if max < 1 {
		max = 1
	}
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(max)),
		burst:    max,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) bool {
	m.mu.Lock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(m.every, m.burst)
		m.limiters[key] = l
	}
	m.mu.Unlock()
	return l.Allow()
}

// SlidingWindowLimiter counts calls per key in a Redis sorted set scored by
// time and admits at most max in any window. While Redis is unreachable it
// defers to a MemoryLimiter. It implements model.RateLimiter.
type SlidingWindowLimiter struct {
	client   *goredis.Client
	cb       *CircuitBreaker
	fallback *MemoryLimiter
	window   time.Duration
	max      int
	prefix   string
	now      func() time.Time
	log      *slog.Logger

	seq uint64
	mu  sync.Mutex
}

// NewSlidingWindowLimiter creates a limiter. client may be nil for memory-only operation.
func NewSlidingWindowLimiter(client *goredis.Client, cb *CircuitBreaker, window time.Duration, max int, log *slog.Logger) *SlidingWindowLimiter {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	return &SlidingWindowLimiter{
		client:   client,
		cb:       cb,
		fallback: NewMemoryLimiter(window, max),
		window:   window,
		max:      max,
		prefix:   "ratelimit:",
		now:      time.Now,
		log:      logger.OrDefault(log),
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l.client == nil {
		return l.fallback.Allow(ctx, key)
	}
	var allowed bool
	err := l.cb.Execute(func() error {
		ok, err := l.allowRedis(ctx, key)
		allowed = ok
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			l.log.Warn("redis rate limit failed, using memory", "key", key, "error", err)
		}
		return l.fallback.Allow(ctx, key)
	}
	return allowed
}

// allowRedis trims the window, records this call and counts in one MULTI so
// concurrent callers cannot all pass the same count check. Rejected calls
// stay in the set and count against the window.
func (l *SlidingWindowLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	rkey := l.prefix + key
	now := l.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - l.window.Milliseconds()

	l.mu.Lock()
	l.seq++
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(l.seq, 10)
	l.mu.Unlock()

	var card *goredis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, rkey, &goredis.Z{Score: float64(nowMs), Member: member})
		card = p.ZCard(ctx, rkey)
		p.Expire(ctx, rkey, l.window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return card.Val() <= int64(l.max), nil
}
