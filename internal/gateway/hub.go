package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-simv1/internal/logger"
	"trading-simv1/internal/metrics"
	"trading-simv1/internal/model"
	"trading-simv1/internal/stream"
)

// ErrHubClosed is returned for subscriptions after Close.
var ErrHubClosed = errors.New("gateway: hub closed")

// HubConfig controls upstream feeds and client keepalive.
type HubConfig struct {
	// UpstreamURL is the exchange stream root; the per-symbol path is
	// appended by AggTradeURL.
	UpstreamURL string

	// Stream is the reconnect template for upstream feeds. URL is ignored.
	Stream stream.Config

	// IdlePing is the quiet period after which a JSON ping is sent. Default 30s.
	IdlePing time.Duration

	// PongWait is the client read deadline. Default 60s.
	PongWait time.Duration

	// SendBuffer is the per-client queue length. Default 256.
	SendBuffer int
}

func (c *HubConfig) defaults() {
	if c.IdlePing <= 0 {
		c.IdlePing = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// Hub owns one upstream feed per subscribed symbol and the clients reading it.
// A feed starts with its first client and stops when its last client leaves.
type Hub struct {
	cfg     HubConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	symbol string
	bc     *Broadcaster
	conn   *stream.Conn
	cancel context.CancelFunc
}

// NewHub creates a Hub. m and health may be nil.
func NewHub(cfg HubConfig, m *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Hub {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		log:     logger.OrDefault(log).With("component", "hub"),
		metrics: m,
		health:  health,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		feeds:   make(map[string]*feed),
	}
}

// Run blocks until ctx is cancelled, then closes the hub.
func (h *Hub) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	h.Close()
}

// Close stops all feeds and disconnects all clients with 1001.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for sym, f := range h.feeds {
		f.cancel()
		f.bc.closeAll()
		delete(h.feeds, sym)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// HandleWSRequest registers conn as a client of symbol and starts its pumps.
// The latest known price is queued immediately.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, symbol string) error {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return ErrHubClosed
	}
	f, err := h.acquire(symbol)
	if err != nil {
		h.mu.Unlock()
		conn.Close()
		return err
	}
	c := &Client{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		hub:  h,
		feed: f,
	}
	f.bc.register(c)
	count := f.bc.Len()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Inc()
	}
	h.log.Info("ws client connected", "symbol", symbol, "symbol_clients", count)

	go c.writePump()
	go c.readPump()
	return nil
}

// RemoveClient detaches c. Safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	c.remove.Do(func() {
		h.mu.Lock()
		left := c.feed.bc.unregister(c)
		if left == 0 && h.feeds[c.feed.symbol] == c.feed {
			delete(h.feeds, c.feed.symbol)
			c.feed.cancel()
			h.log.Info("upstream feed stopped", "symbol", c.feed.symbol)
		}
		h.mu.Unlock()

		if h.metrics != nil {
			h.metrics.WSClients.Dec()
		}
		h.log.Info("ws client disconnected", "symbol", c.feed.symbol, "symbol_clients", left)
	})
}

// acquire returns the running feed for symbol, starting it if needed.
// Caller holds h.mu.
func (h *Hub) acquire(symbol string) (*feed, error) {
	if f, ok := h.feeds[symbol]; ok {
		return f, nil
	}

	f := &feed{symbol: symbol, bc: NewBroadcaster(symbol)}
	if h.metrics != nil {
		dropped := h.metrics.DroppedTicks.WithLabelValues("client")
		f.bc.OnDrop = dropped.Inc
	}

	scfg := h.cfg.Stream
	scfg.URL = AggTradeURL(h.cfg.UpstreamURL, symbol)
	conn, err := stream.New(scfg, stream.Handler{
		OnState:   func(s model.StreamState) { h.onState(symbol, s) },
		OnMessage: func(raw []byte) { h.onTrade(f, raw) },
	}, h.log)
	if err != nil {
		return nil, err
	}
	f.conn = conn

	ctx, cancel := context.WithCancel(h.ctx)
	f.cancel = cancel
	h.feeds[symbol] = f

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := conn.Run(ctx); err != nil {
			h.log.Error("upstream feed ended", "symbol", symbol, "error", err)
		}
	}()
	h.log.Info("upstream feed started", "symbol", symbol, "url", scfg.URL)
	return f, nil
}

func (h *Hub) onTrade(f *feed, raw []byte) {
	now := h.now()
	tick, err := ParseAggTrade(raw, f.symbol, now.UnixMilli())
	if err != nil {
		if h.metrics != nil {
			h.metrics.MalformedTicks.Inc()
		}
		h.log.Debug("upstream frame dropped", "symbol", f.symbol, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.TicksTotal.Inc()
		if lag := now.Sub(time.UnixMilli(tick.Timestamp)); lag >= 0 {
			h.metrics.TickLatency.Observe(lag.Seconds())
		}
	}
	if h.health != nil {
		h.health.SetLastTickTime(now)
	}
	f.bc.Broadcast(tick.JSON())
}

func (h *Hub) onState(symbol string, s model.StreamState) {
	h.log.Info("upstream state", "symbol", symbol, "state", s.String())
	if h.metrics != nil {
		h.metrics.ObserveStreamState(symbol, s)
	}
	if h.health != nil {
		h.health.SetStreamOpen(s == model.StreamOpen)
	}
}

// Symbols returns the symbols with a running feed.
func (h *Hub) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.feeds))
	for sym := range h.feeds {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ClientCount returns the number of connected clients across all symbols.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.feeds {
		n += f.bc.Len()
	}
	return n
}

// Latest returns the last price frame for symbol, or nil.
func (h *Hub) Latest(symbol string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.feeds[symbol]; ok {
		return f.bc.Latest()
	}
	return nil
}
