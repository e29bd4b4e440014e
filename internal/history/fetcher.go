// Package history fetches candle history from a paged HTTP API with retries.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"trading-simv1/internal/logger"
	"trading-simv1/internal/marketdata/interval"
	"trading-simv1/internal/model"
)

// ErrFetchFailed is returned, together with an empty result, once all retries are spent.
var ErrFetchFailed = errors.New("history: fetch failed")

// StatusError is a non-retryable HTTP status returned by the upstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history: upstream status %d: %s", e.Code, e.Body)
}

// Request selects a page of candles. StartTime and EndTime are epoch
// milliseconds; zero means unset.
type Request struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime int64
	EndTime   int64
}

// OlderThan returns a request for bars strictly older than oldestBarTime
// (epoch seconds), so the page never overlaps bars already held.
func (r Request) OlderThan(oldestBarTime int64) Request {
	r.StartTime = 0
	r.EndTime = oldestBarTime*1000 - 1
	return r
}

// Since returns a request for bars from barTime (epoch seconds) onward,
// used to fill the span a dropped stream missed.
func (r Request) Since(barTime int64) Request {
	r.StartTime = barTime * 1000
	r.EndTime = 0
	return r
}

// ClampLimit bounds a page size to 1..1000.
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// Config controls the retry policy.
type Config struct {
	// MaxRetries is the number of additional attempts after the first. Default 3.
	MaxRetries int
	// BaseDelay is doubled for each attempt. Default 300ms.
	BaseDelay time.Duration
	// MaxJitter bounds the random delay added to the backoff. Default 200ms.
	MaxJitter time.Duration
	// Timeout applies to each HTTP attempt. Default 10s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 300 * time.Millisecond
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Fetcher wraps a Source with the retry policy.
type Fetcher struct {
	src    Source
	cfg    Config
	client *http.Client
	log    *slog.Logger

	// OnRetry is called before each retry with the attempt number (0-based)
	// and the reason. Optional.
	OnRetry func(attempt int, reason string)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithSleep replaces the backoff wait. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithJitter replaces the jitter source. Used by tests.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(f *Fetcher) { f.jitter = fn }
}

// New creates a Fetcher over src.
func New(src Source, cfg Config, opts ...Option) *Fetcher {
	cfg.defaults()
	f := &Fetcher{
		src:    src,
		cfg:    cfg,
		sleep:  sleepCtx,
		jitter: randJitter,
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: cfg.Timeout}
	}
	f.log = logger.OrDefault(f.log)
	return f
}

// Fetch returns candles ascending by time.
//
// Transport errors and retryable statuses (429, 500, 502, 503, 504) are
// retried with exponential backoff plus jitter; a Retry-After header replaces
// the backoff for that attempt. Other statuses return *StatusError. When
// retries run out, Fetch returns an empty slice and an error wrapping
// ErrFetchFailed: callers keep what they hold.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]model.Candle, error) {
	if _, err := interval.Get(req.Interval); err != nil {
		return nil, err
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Limit = ClampLimit(req.Limit)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		candles, retryAfter, err := f.once(ctx, req)
		if err == nil {
			if attempt > 0 {
				f.log.Info("history fetch succeeded after retry",
					"symbol", req.Symbol, "interval", req.Interval, "attempt", attempt)
			}
			return candles, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == f.cfg.MaxRetries {
			break
		}

		delay := retryAfter
		if delay <= 0 {
			delay = f.cfg.BaseDelay*time.Duration(1<<attempt) + f.jitter(f.cfg.MaxJitter)
		}
		f.log.Warn("history fetch failed, retrying",
			"symbol", req.Symbol, "interval", req.Interval,
			"attempt", attempt, "delay", delay, "error", err)
		if f.OnRetry != nil {
			f.OnRetry(attempt, err.Error())
		}
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	f.log.Error("history fetch gave up",
		"symbol", req.Symbol, "interval", req.Interval,
		"attempts", f.cfg.MaxRetries+1, "error", lastErr)
	return []model.Candle{}, fmt.Errorf("%w after %d attempts: %w", ErrFetchFailed, f.cfg.MaxRetries+1, lastErr)
}

// retryableStatus wraps a retryable HTTP status.
type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string {
	return "upstream status " + strconv.Itoa(e.code)
}

func retryable(err error) bool {
	var rs *retryableStatus
	if errors.As(err, &rs) {
		return true
	}
	var te *transportError
	return errors.As(err, &te)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (f *Fetcher) once(ctx context.Context, req Request) ([]model.Candle, time.Duration, error) {
	httpReq, err := f.src.NewRequest(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("history: build request: %w", err)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, &transportError{err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &retryableStatus{code: resp.StatusCode}
	default:
		return nil, 0, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	candles, err := f.src.Decode(body)
	if err != nil {
		return nil, 0, fmt.Errorf("history: decode: %w", err)
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	return candles, 0, nil
}

// parseRetryAfter reads a delay in (possibly fractional) seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
