// Command exchangesim serves a simulated exchange for offline chartd runs.
//
// Point chartd at it with:
//
//	UPSTREAM_REST_URL=http://localhost:9001/api/v3/klines
//	UPSTREAM_WS_URL=ws://localhost:9001/ws
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

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"trading-simv1/internal/logger"
	"trading-simv1/internal/sim"
)

type simConfig struct {
	Addr         string             `env:"SIM_ADDR" envDefault:":9001"`
	TickInterval time.Duration      `env:"SIM_TICK_INTERVAL" envDefault:"250ms"`
	Prices       map[string]float64 `env:"SIM_PRICES" envDefault:"BTCUSDT:65000,ETHUSDT:3200,SOLUSDT:150" envKeyValSeparator:":"`
	FailEvery    int                `env:"SIM_FAIL_EVERY" envDefault:"0"`
	LogLevel     string             `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env not loaded", "error", err)
	}
	var cfg simConfig
	if err := env.Parse(&cfg); err != nil {
		slog.Error("config parse failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("exchangesim", logger.ParseLevel(cfg.LogLevel))

	ex := sim.New(sim.Config{
		TickInterval: cfg.TickInterval,
		Prices:       cfg.Prices,
		FailEvery:    cfg.FailEvery,
	}, log)

	srv := &http.Server{Addr: cfg.Addr, Handler: ex.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("listening", "addr", cfg.Addr, "symbols", len(cfg.Prices), "tick_interval", cfg.TickInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	log.Info("stopped")
}
