// Package sim is a local stand-in for the exchange: a random-walk aggTrade
// WebSocket and a deterministic klines REST endpoint, in the exchange's
// wire formats. It lets chartd run without network access.
package sim

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-simv1/internal/history"
	"trading-simv1/internal/logger"
	"trading-simv1/internal/marketdata/interval"
)

// Config controls the simulated exchange.
type Config struct {
	// TickInterval is the trade cadence per connection. Default 250ms.
	TickInterval time.Duration

	// Prices are the starting prices per symbol. Unknown symbols start at 1000.
	Prices map[string]float64

	// FailEvery makes every Nth klines request answer 429 with Retry-After: 1.
	// 0 disables.
	FailEvery int
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.Prices == nil {
		c.Prices = map[string]float64{}
	}
}

// Exchange serves the simulated endpoints.
type Exchange struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	walks map[string]*walk

	tradeID  atomic.Int64
	requests atomic.Int64
}

// New creates an Exchange.
func New(cfg Config, log *slog.Logger) *Exchange {
	cfg.defaults()
	return &Exchange{
		cfg:   cfg,
		log:   logger.OrDefault(log).With("component", "exchangesim"),
		now:   time.Now,
		walks: make(map[string]*walk),
	}
}

// Handler routes /ws/<symbol>@aggTrade, /api/v3/klines and /health.
func (e *Exchange) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", e.serveTrades)
	mux.HandleFunc("/api/v3/klines", e.serveKlines)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchangesim"}`))
	})
	return mux
}

func (e *Exchange) basePrice(symbol string) float64 {
	if p, ok := e.cfg.Prices[symbol]; ok && p > 0 {
		return p
	}
	return 1000
}

// ─── aggTrade stream ─────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type aggTrade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

// walk is a per-symbol random walk shared by all connections.
type walk struct {
	mu    sync.Mutex
	price float64
	rng   *rand.Rand
}

// next moves the price by up to ±0.1% with a floor of one cent.
func (w *walk) next() (price, qty float64, maker bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pct := (w.rng.Float64()*0.2 - 0.1) / 100.0
	w.price = math.Max(0.01, w.price*(1+pct))
	return w.price, 0.001 + w.rng.Float64()*0.5, w.rng.Intn(2) == 0
}

func (e *Exchange) walkFor(symbol string) *walk {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.walks[symbol]
	if !ok {
		w = &walk{price: e.basePrice(symbol), rng: rand.New(rand.NewSource(seed(symbol, 0)))}
		e.walks[symbol] = w
	}
	return w
}

// streamSymbol extracts BTCUSDT from /ws/btcusdt@aggTrade.
func streamSymbol(path string) (string, bool) {
	name := strings.TrimPrefix(path, "/ws/")
	sym, kind, ok := strings.Cut(name, "@")
	if !ok || kind != "aggTrade" || sym == "" {
		return "", false
	}
	return strings.ToUpper(sym), true
}

func (e *Exchange) serveTrades(w http.ResponseWriter, r *http.Request) {
	symbol, ok := streamSymbol(r.URL.Path)
	if !ok {
		http.Error(w, `{"code":-1121,"msg":"Invalid stream."}`, http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("upgrade error", "error", err)
		return
	}
	defer conn.Close()
	e.log.Info("stream client connected", "symbol", symbol, "remote", r.RemoteAddr)

	// Reader: answers control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	wk := e.walkFor(symbol)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			e.log.Info("stream client disconnected", "symbol", symbol, "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			price, qty, maker := wk.next()
			now := e.now().UnixMilli()
			b, err := json.Marshal(aggTrade{
				Event:     "aggTrade",
				EventTime: now,
				Symbol:    symbol,
				TradeID:   e.tradeID.Add(1),
				Price:     decimal.NewFromFloat(price).StringFixed(2),
				Qty:       decimal.NewFromFloat(qty).StringFixed(5),
				TradeTime: now,
				Maker:     maker,
			})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// ─── klines ──────────────────────────────────────────────────────────────────

func (e *Exchange) serveKlines(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if n := e.requests.Add(1); e.cfg.FailEvery > 0 && n%int64(e.cfg.FailEvery) == 0 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
		return
	}

	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	iv, err := interval.Get(q.Get("interval"))
	if symbol == "" || err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1120,"msg":"Invalid interval or symbol."}`))
		return
	}
	limit := 500
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	limit = history.ClampLimit(limit)
	startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)

	rows := Klines(symbol, e.basePrice(symbol), iv, e.now(), startMs, endMs, limit)
	json.NewEncoder(w).Encode(rows)
}

// Klines generates up to limit bars in exchange array form. With startMs the
// page begins at the first bucket at or after it; otherwise it ends at the
// bucket holding endMs (or now). Bars never extend past now and are a pure
// function of symbol and bucket time, so overlapping pages agree.
func Klines(symbol string, base float64, iv interval.Interval, now time.Time, startMs, endMs int64, limit int) [][]any {
	step := iv.Seconds
	last := iv.BucketStart(now.Unix())
	var first int64
	switch {
	case startMs > 0:
		first = iv.BucketStart(startMs / 1000)
		if first*1000 < startMs {
			first += step
		}
	default:
		end := last
		if endMs > 0 {
			end = min(last, iv.BucketStart(endMs/1000))
			// endTime is inclusive of the bar open time.
			if end*1000 > endMs {
				end -= step
			}
		}
		first = end - int64(limit-1)*step
	}

	rows := make([][]any, 0, limit)
	for t := first; t <= last && len(rows) < limit; t += step {
		if endMs > 0 && t*1000 > endMs {
			break
		}
		o := pathPrice(symbol, base, t)
		c := pathPrice(symbol, base, t+step)
		spread := math.Abs(o-c) + base*0.0005*noise(symbol, t, 1)
		h := math.Max(o, c) + spread*noise(symbol, t, 2)
		l := math.Max(0.01, math.Min(o, c)-spread*noise(symbol, t, 3))
		vol := 1 + 50*noise(symbol, t, 4)
		rows = append(rows, []any{
			t * 1000,
			fixed(o, 2), fixed(h, 2), fixed(l, 2), fixed(c, 2),
			fixed(vol, 6),
			(t+step)*1000 - 1,
			fixed(vol*o, 2),
			int64(10 + 100*noise(symbol, t, 5)),
			fixed(vol/2, 6), fixed(vol*o/2, 2), "0",
		})
	}
	return rows
}

// pathPrice is a smooth deterministic price path around base.
func pathPrice(symbol string, base float64, t int64) float64 {
	phase := float64(seed(symbol, 0)%1000) / 1000 * 2 * math.Pi
	x := float64(t)
	v := base * (1 + 0.03*math.Sin(x/86400*2*math.Pi+phase) + 0.01*math.Sin(x/3600*2*math.Pi+phase))
	return math.Max(0.01, v)
}

// noise returns a deterministic value in [0,1) for (symbol, t, salt).
func noise(symbol string, t int64, salt int64) float64 {
	return float64(seed(symbol, t*8+salt)%1_000_000) / 1_000_000
}

func seed(symbol string, n int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", symbol, n)
	return int64(h.Sum64() >> 1)
}

func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
