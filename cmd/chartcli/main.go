// Command chartcli runs one headless chart session against a chartd server
// and logs chart snapshots.
//
// Signals: SIGHUP reloads chart settings from the settings store, SIGUSR1
// pages in older history, SIGINT/SIGTERM stop the session.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trading-simv1/config"
	"trading-simv1/internal/history"
	"trading-simv1/internal/logger"
	"trading-simv1/internal/metrics"
	"trading-simv1/internal/model"
	"trading-simv1/internal/session"
	"trading-simv1/internal/store/sqlite"
)

func main() {
	symbol := flag.String("symbol", "", "Symbol to chart (default from settings: BTCUSDT)")
	ivl := flag.String("interval", "", "Chart interval, e.g. 1m, 15m, 1h (default from settings)")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics on this address (disabled when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("chartcli", logger.ParseLevel(cfg.LogLevel))

	var settings *sqlite.Store
	if s, err := sqlite.Open(cfg.SQLitePath, log); err != nil {
		log.Warn("settings store unavailable, using defaults", "path", cfg.SQLitePath, "error", err)
	} else {
		settings = s
		defer settings.Close()
	}

	load := func() config.Session {
		var sc config.Session
		if settings != nil {
			sc = config.LoadSession(settings)
		} else {
			sc = config.DefaultSession()
		}
		if *symbol != "" {
			sc.Symbol = strings.ToUpper(*symbol)
		}
		if *ivl != "" {
			sc.Interval = *ivl
		}
		return sc
	}

	prom := metrics.New()
	fetcher := history.New(history.APISource{BaseURL: cfg.APIURL}, history.Config{}, history.WithLogger(log))
	fetcher.OnRetry = func(int, string) { prom.UpstreamRetries.Inc() }

	sc := load()
	sess, err := session.New(sc, fetcher, session.PriceStreamURL(cfg.APIURL),
		session.WithLogger(log),
		session.WithHooks(session.Hooks{
			OnTick:      prom.TicksTotal.Inc,
			OnMalformed: prom.MalformedTicks.Inc,
			OnDropped:   prom.DroppedTicks.WithLabelValues("ring").Inc,
			OnState:     func(s model.StreamState) { prom.ObserveStreamState(sc.Symbol, s) },
		}),
	)
	if err != nil {
		log.Error("invalid chart settings", "error", err)
		os.Exit(1)
	}
	log = log.With("session_id", sess.ID())

	sess.Subscribe(snapshotLogger(log))

	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr, prom, nil, log)
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(ctx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				next := load()
				next.Symbol = sess.Config().Symbol
				if err := sess.Reload(next); err != nil {
					log.Warn("reload rejected", "error", err)
				} else {
					log.Info("settings reloaded", "interval", next.Interval,
						"ema1", next.EMA1Period, "ema2", next.EMA2Period)
				}
			case syscall.SIGUSR1:
				sess.LoadMore()
			default:
				log.Info("shutdown signal received")
				cancel()
				return
			}
		}
	}()

	if err := sess.Run(ctx); err != nil {
		log.Error("session ended", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

// snapshotLogger logs a summary on structural changes and a debug line per update.
func snapshotLogger(log *slog.Logger) func(model.Snapshot) {
	var lastLen int
	var lastState model.StreamState = -1
	var lastInterval string
	return func(s model.Snapshot) {
		args := []any{"symbol", s.Symbol, "interval", s.Interval, "bars", len(s.Bars), "state", s.State.String()}
		if n := len(s.Bars); n > 0 {
			b := s.Bars[n-1]
			args = append(args, "time", b.Time, "close", b.Close)
		}
		if n := len(s.EMA1); n > 0 {
			args = append(args, "ema1", s.EMA1[n-1].Value)
		}
		if n := len(s.EMA2); n > 0 {
			args = append(args, "ema2", s.EMA2[n-1].Value)
		}
		if len(s.Bars) != lastLen || s.State != lastState || s.Interval != lastInterval {
			log.Info("chart", args...)
		} else {
			log.Debug("chart", args...)
		}
		lastLen, lastState, lastInterval = len(s.Bars), s.State, s.Interval
	}
}
