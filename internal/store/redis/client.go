// Package redis provides the shared candle cache and request rate limiter
// of the chart server. Both degrade to in-process state while Redis is
// unreachable, guarded by a CircuitBreaker.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-simv1/internal/logger"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Open creates a client and pings the server. The client is returned even
// when the ping fails so callers can run degraded and retry later.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("redis ping: %w", err)
	}
	logger.OrDefault(log).Info("redis connected", "addr", cfg.Addr)
	return client, nil
}
