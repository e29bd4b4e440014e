// Command chartd serves candle history and live prices to chart clients.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-simv1/config"
	"trading-simv1/internal/gateway"
	"trading-simv1/internal/history"
	"trading-simv1/internal/logger"
	"trading-simv1/internal/metrics"
	"trading-simv1/internal/model"
	chartredis "trading-simv1/internal/store/redis"
	"trading-simv1/internal/store/sqlite"
	"trading-simv1/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("chartd", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "addr", cfg.ChartdAddr, "metrics_addr", cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.New()
	health := metrics.NewHealthStatus(cfg.RedisAddr != "")

	// ---- Settings (SQLite) ----
	settings, err := sqlite.Open(cfg.SQLitePath, log)
	if err != nil {
		log.Error("settings store open failed", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer settings.Close()
	seedSettings(cfg, settings, log)

	// ---- Cache + rate limiter (Redis, degraded to memory) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = chartredis.Open(ctx, chartredis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
		if err != nil {
			log.Warn("redis unavailable, running with in-memory cache and limiter", "error", err)
		}
		defer rdb.Close()
	}
	breaker := chartredis.NewCircuitBreaker(5, 10*time.Second)
	breaker.OnStateChange = func(from, to chartredis.State) {
		prom.RedisBreakerState.Set(float64(to))
		if to == chartredis.StateOpen {
			prom.RedisBreakerTrips.Inc()
		}
		log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
	}
	cache := chartredis.NewCandleCache(rdb, breaker, chartredis.NewMemoryCache(4096), log)
	limiter := chartredis.NewSlidingWindowLimiter(rdb, breaker, cfg.RateLimitWindow, cfg.RateLimitMax, log)

	health.StartLivenessChecker(ctx, rdb, settings.DB(), 10*time.Second)

	// ---- Upstream ----
	fetcher := history.New(history.BinanceSource{URL: cfg.UpstreamRESTURL}, history.Config{}, history.WithLogger(log))
	fetcher.OnRetry = func(int, string) { prom.UpstreamRetries.Inc() }

	hub := gateway.NewHub(gateway.HubConfig{
		UpstreamURL: cfg.UpstreamWSURL,
		Stream:      stream.Config{DialFailDelay: 5 * time.Second},
	}, prom, health, log)
	go hub.Run(ctx)

	// ---- HTTP ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gateway.Deps{
		Hub:      hub,
		Fetcher:  fetcher,
		Cache:    cache,
		Limiter:  limiter,
		Settings: settings,
		Metrics:  prom,
		Health:   health,
		CacheTTL: cfg.CandleCacheTTL,
		Log:      log,
	})
	srv := &http.Server{
		Addr:              cfg.ChartdAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server listening", "addr", cfg.ChartdAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prom, health, log)
	metricsSrv.Start()

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, cleaning up")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", "error", err)
	}
	cancel()
	log.Info("stopped")
}

// seedSettings writes chart defaults on first start. A YAML defaults file
// overrides the built-in values.
func seedSettings(cfg *config.Config, store model.SettingsStore, log *slog.Logger) {
	defaults := config.DefaultSession()
	if cfg.ChartDefaultsFile != "" {
		d, err := config.LoadChartDefaults(cfg.ChartDefaultsFile)
		if err != nil {
			log.Warn("chart defaults not loaded, using built-ins", "file", cfg.ChartDefaultsFile, "error", err)
		} else {
			defaults = d
		}
	}
	if err := config.SeedSession(store, defaults); err != nil {
		log.Warn("chart defaults not seeded", "error", err)
	}
}
