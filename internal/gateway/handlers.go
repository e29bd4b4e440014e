package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trading-simv1/config"
	"trading-simv1/internal/history"
	"trading-simv1/internal/logger"
	"trading-simv1/internal/marketdata/interval"
	"trading-simv1/internal/metrics"
	"trading-simv1/internal/model"
)

const defaultSymbol = "BTCUSDT"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CandleFetcher loads candles from the upstream exchange.
type CandleFetcher interface {
	Fetch(ctx context.Context, req history.Request) ([]model.Candle, error)
}

// SettingsStore is the key-value store behind /api/settings.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	SetMany(ctx context.Context, kv map[string]string) error
}

// Deps are the collaborators of the HTTP routes. Cache, Limiter, Settings,
// Metrics and Health are optional.
type Deps struct {
	Hub      *Hub
	Fetcher  CandleFetcher
	Cache    model.CandleCache
	Limiter  model.RateLimiter
	Settings SettingsStore
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	CacheTTL time.Duration
	Log      *slog.Logger
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	log := logger.OrDefault(d.Log).With("component", "api")
	if d.CacheTTL <= 0 {
		d.CacheTTL = 10 * time.Second
	}

	// WebSocket: live prices for one symbol
	mux.HandleFunc("/ws/price", func(w http.ResponseWriter, r *http.Request) {
		symbol := symbolParam(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("ws upgrade error", "error", err)
			return
		}
		if err := d.Hub.HandleWSRequest(conn, symbol); err != nil {
			log.Warn("ws subscribe rejected", "symbol", symbol, "error", err)
		}
	})

	mux.HandleFunc("/api/candles", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		serveCandles(w, r, d, log)
	})

	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if d.Settings == nil {
			writeError(w, http.StatusServiceUnavailable, "settings store unavailable")
			return
		}
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			all, err := d.Settings.All(r.Context())
			if err != nil {
				log.Error("settings read failed", "error", err)
				writeError(w, http.StatusInternalServerError, "settings read failed")
				return
			}
			writeJSON(w, http.StatusOK, all)
		case http.MethodPost:
			var kv map[string]string
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&kv); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
			for k, v := range kv {
				if strings.TrimSpace(k) == "" {
					writeError(w, http.StatusBadRequest, "empty key")
					return
				}
				if err := config.ValidateSetting(k, v); err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
			if err := d.Settings.SetMany(r.Context(), kv); err != nil {
				log.Error("settings write failed", "error", err)
				writeError(w, http.StatusInternalServerError, "settings write failed")
				return
			}
			all, err := d.Settings.All(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "settings read failed")
				return
			}
			writeJSON(w, http.StatusOK, all)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// REST: supported chart intervals
	mux.HandleFunc("/api/intervals", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		type intervalInfo struct {
			Label   string `json:"label"`
			Seconds int64  `json:"seconds"`
		}
		out := make([]intervalInfo, 0, len(interval.All))
		for _, iv := range interval.All {
			out = append(out, intervalInfo{Label: iv.Label, Seconds: iv.Seconds})
		}
		writeJSON(w, http.StatusOK, out)
	})

	if d.Health != nil {
		mux.Handle("/healthz", d.Health)
		mux.HandleFunc("/readyz", d.Health.ServeReady)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}
}

func serveCandles(w http.ResponseWriter, r *http.Request, d Deps, log *slog.Logger) {
	ctx := r.Context()
	q := r.URL.Query()

	req := history.Request{
		Symbol:   symbolParam(r),
		Interval: q.Get("interval"),
		Limit:    500,
	}
	if req.Interval == "" {
		req.Interval = interval.DefaultLabel
	}
	if !interval.IsValid(req.Interval) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported interval %q", req.Interval))
		return
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	req.Limit = history.ClampLimit(req.Limit)
	if req.StartTime, err = msParam(q.Get("startTime")); err != nil {
		writeError(w, http.StatusBadRequest, "startTime must be epoch milliseconds")
		return
	}
	if req.EndTime, err = msParam(q.Get("endTime")); err != nil {
		writeError(w, http.StatusBadRequest, "endTime must be epoch milliseconds")
		return
	}

	if d.Limiter != nil {
		for _, scope := range []string{"ip", "global"} {
			key := "candles:global"
			if scope == "ip" {
				key = "candles:ip:" + clientIP(r)
			}
			if !d.Limiter.Allow(ctx, key) {
				if d.Metrics != nil {
					d.Metrics.RateLimited.WithLabelValues(scope).Inc()
				}
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
	}

	key := cacheKey(req)
	if d.Cache != nil {
		if data, ok := d.Cache.Get(ctx, key); ok {
			if d.Metrics != nil {
				d.Metrics.CacheHits.Inc()
			}
			writeRaw(w, http.StatusOK, data)
			return
		}
		if d.Metrics != nil {
			d.Metrics.CacheMisses.Inc()
		}
	}

	start := time.Now()
	candles, err := d.Fetcher.Fetch(ctx, req)
	if d.Metrics != nil {
		d.Metrics.UpstreamFetchDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		status, reason := fetchStatus(err)
		if d.Metrics != nil {
			d.Metrics.UpstreamFailures.WithLabelValues(reason).Inc()
		}
		log.Warn("candle fetch failed", "symbol", req.Symbol, "interval", req.Interval, "status", status, "error", err)
		writeError(w, status, "upstream fetch failed: "+err.Error())
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}

	data, err := json.Marshal(candles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	if d.Cache != nil {
		ttl := int(d.CacheTTL / time.Second)
		if ttl < 1 {
			ttl = 1
		}
		d.Cache.Set(ctx, key, data, ttl)
	}
	writeRaw(w, http.StatusOK, data)
}

// fetchStatus maps a fetch error to the response status and a metric reason.
func fetchStatus(err error) (int, string) {
	var se *history.StatusError
	switch {
	case errors.As(err, &se):
		if se.Code >= 400 && se.Code < 500 {
			return se.Code, "status"
		}
		return http.StatusBadGateway, "status"
	case errors.Is(err, history.ErrFetchFailed):
		return http.StatusBadGateway, "exhausted"
	case errors.Is(err, interval.ErrInvalidInterval):
		return http.StatusBadRequest, "request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "canceled"
	default:
		return http.StatusBadGateway, "other"
	}
}

func cacheKey(req history.Request) string {
	opt := func(v int64) string {
		if v <= 0 {
			return ""
		}
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprintf("candles:%s:%s:%d:%s:%s",
		req.Symbol, req.Interval, req.Limit, opt(req.StartTime), opt(req.EndTime))
}

func symbolParam(r *http.Request) string {
	s := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if s == "" {
		return defaultSymbol
	}
	return s
}

func msParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
