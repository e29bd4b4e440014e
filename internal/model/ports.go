package model

import "context"

// ── Port interfaces ──
// These decouple the chart engine from the concrete HTTP, SQLite and Redis
// implementations.

// SettingsStore is the synchronous key-value store for chart display settings.
type SettingsStore interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (string, bool)

	// Set stores a value, replacing any previous one.
	Set(key, value string) error
}

// CandleCache caches serialized candle responses keyed by request.
type CandleCache interface {
	// Get returns the cached payload. ok is false on miss or expiry.
	Get(ctx context.Context, key string) (data []byte, ok bool)

	// Set stores a payload for ttlSeconds.
	Set(ctx context.Context, key string, data []byte, ttlSeconds int)
}

// RateLimiter admits or rejects a call for a key.
type RateLimiter interface {
	// Allow reports whether one more call for key fits in the current window.
	Allow(ctx context.Context, key string) bool
}
