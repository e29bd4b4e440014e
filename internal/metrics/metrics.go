// Package metrics exposes Prometheus counters and the health endpoints of
// the chart server and the headless chart client.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-simv1/internal/model"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Candle proxy
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimited      *prometheus.CounterVec // labels: scope=ip|global
	UpstreamRetries  prometheus.Counter
	UpstreamFailures *prometheus.CounterVec // labels: reason
	UpstreamFetchDur prometheus.Histogram

	// Live prices
	WSClients        prometheus.Gauge
	StreamReconnects *prometheus.CounterVec // labels: symbol
	StreamState      *prometheus.GaugeVec   // labels: symbol
	TicksTotal       prometheus.Counter
	MalformedTicks   prometheus.Counter
	DroppedTicks     *prometheus.CounterVec // labels: where=client|ring
	TickLatency      prometheus.Histogram

	// Redis circuit breaker
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter
}

// New registers all metrics on a fresh registry with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_candle_cache_hits_total",
			Help: "Candle requests served from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_candle_cache_misses_total",
			Help: "Candle requests that went upstream",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_rate_limited_total",
			Help: "Candle requests rejected by the rate limiter",
		}, []string{"scope"}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_upstream_retries_total",
			Help: "Upstream kline fetch retries",
		}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_upstream_failures_total",
			Help: "Upstream kline fetches that failed after retries or with a non-retryable status",
		}, []string{"reason"}),
		UpstreamFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_upstream_fetch_duration_seconds",
			Help:    "Upstream kline fetch latency including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartd_ws_clients",
			Help: "Connected price stream clients",
		}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_stream_reconnects_total",
			Help: "Price stream reconnect attempts",
		}, []string{"symbol"}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartd_stream_state",
			Help: "Price stream state (0=connecting, 1=open, 2=closed, 3=reconnecting, 4=failed)",
		}, []string{"symbol"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_ticks_total",
			Help: "Live ticks processed",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_malformed_ticks_total",
			Help: "Stream frames dropped as malformed",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_dropped_ticks_total",
			Help: "Ticks dropped because a queue was full",
		}, []string{"where"}),
		TickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_tick_latency_seconds",
			Help:    "Latency from exchange trade time to fan-out",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartd_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheHits,
		m.CacheMisses,
		m.RateLimited,
		m.UpstreamRetries,
		m.UpstreamFailures,
		m.UpstreamFetchDur,
		m.WSClients,
		m.StreamReconnects,
		m.StreamState,
		m.TicksTotal,
		m.MalformedTicks,
		m.DroppedTicks,
		m.TickLatency,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
	)
	return m
}

// ObserveStreamState records a stream transition for symbol.
func (m *Metrics) ObserveStreamState(symbol string, s model.StreamState) {
	m.StreamState.WithLabelValues(symbol).Set(float64(s))
	if s == model.StreamReconnecting {
		m.StreamReconnects.WithLabelValues(symbol).Inc()
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HealthStatus tracks dependency health for /healthz and /readyz.
type HealthStatus struct {
	mu sync.RWMutex

	StreamOpen     bool
	LastTickTime   time.Time
	RedisRequired  bool
	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a health status. redisRequired makes Redis part of readiness.
func NewHealthStatus(redisRequired bool) *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), RedisRequired: redisRequired}
}

func (h *HealthStatus) SetStreamOpen(v bool) {
	h.mu.Lock()
	h.StreamOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes dependencies immediately and then every interval.
// rdb and sqlDB may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// Ready reports whether the server can serve candle requests.
func (h *HealthStatus) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.SQLiteOK && (!h.RedisRequired || h.RedisConnected)
}

type healthBody struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	StreamOpen      bool    `json:"stream_open"`
	LastTickTime    string  `json:"last_tick_time,omitempty"`
	TickAge         string  `json:"tick_age,omitempty"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at,omitempty"`
}

func (h *HealthStatus) body() healthBody {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b := healthBody{
		Status:          "ok",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamOpen:      h.StreamOpen,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		b.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		b.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		b.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	if !h.SQLiteOK || (h.RedisRequired && !h.RedisConnected) {
		b.Status = "degraded"
	}
	return b
}

// ServeHTTP handles /healthz. Liveness only: always 200 with details.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.body())
}

// ServeReady handles /readyz: 503 until dependencies are healthy.
func (h *HealthStatus) ServeReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// Server runs an HTTP server exposing /metrics, /healthz and /readyz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if health != nil {
		mux.Handle("/healthz", health)
		mux.HandleFunc("/readyz", health.ServeReady)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
