// Package stream manages the lifecycle of a live price WebSocket:
// connect, reconnect with bounded backoff, and clean shutdown.
//
// States: Connecting → Open → Closed on a normal closure (1000/1001, terminal),
// or → Reconnecting → Connecting on an abnormal closure or dial failure.
// Tearing the connection down while a reconnect is pending ends in Failed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-simv1/internal/logger"
	"trading-simv1/internal/model"
)

// ErrStreamDisconnected wraps the close or dial error that ended a connection.
var ErrStreamDisconnected = errors.New("stream: disconnected")

// Config holds connection and reconnect settings.
type Config struct {
	// URL of the price stream, e.g. "ws://localhost:8080/ws/price?symbol=BTCUSDT".
	URL string

	// Header is sent with the handshake. Optional.
	Header http.Header

	// AbnormalDelay is the first reconnect delay after an abnormal close. Default 3s.
	AbnormalDelay time.Duration

	// DialFailDelay is the first reconnect delay after a failed dial. Default 5s.
	DialFailDelay time.Duration

	// Multiplier grows the delay on consecutive failures. Default 2.
	Multiplier float64

	// MaxDelay caps the backoff. Default 30s.
	MaxDelay time.Duration

	// MaxAttempts bounds consecutive failed attempts. 0 retries while the
	// connection is in use.
	MaxAttempts int

	// PingInterval is the client keepalive period. Default 30s.
	PingInterval time.Duration

	// ReadTimeout is refreshed on every frame and pong. Default 60s.
	ReadTimeout time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (c *Config) defaults() {
	if c.AbnormalDelay <= 0 {
		c.AbnormalDelay = 3 * time.Second
	}
	if c.DialFailDelay <= 0 {
		c.DialFailDelay = 5 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Handler receives connection events. Both callbacks run on the Run goroutine.
type Handler struct {
	OnState   func(model.StreamState)
	OnMessage func([]byte)
}

// Conn is a self-reconnecting WebSocket client.
type Conn struct {
	cfg Config
	h   Handler
	log *slog.Logger

	mu    sync.Mutex
	state model.StreamState

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New creates a Conn. Returns an error if the URL is unparseable.
func New(cfg Config, h Handler, log *slog.Logger) (*Conn, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	return &Conn{
		cfg:     cfg,
		h:       h,
		log:     logger.OrDefault(log).With("component", "stream", "url", cfg.URL),
		state:   model.StreamConnecting,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// State returns the current state.
func (c *Conn) State() model.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s model.StreamState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Debug("stream state", "state", s.String())
	}
	if c.h.OnState != nil {
		c.h.OnState(s)
	}
}

// Close tears the connection down: an open socket is closed with a normal
// closure and a pending reconnect is cancelled. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Done is closed when Run returns.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run connects and keeps the stream alive until a terminal state.
// It returns nil after a normal closure or teardown, and an error wrapping
// ErrStreamDisconnected when MaxAttempts is exhausted.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	failures := 0
	for {
		c.setState(model.StreamConnecting)
		ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)

		var base time.Duration
		switch {
		case ctx.Err() != nil:
			if ws != nil {
				ws.Close()
			}
			c.setState(model.StreamFailed)
			return nil
		case err != nil:
			base = c.cfg.DialFailDelay
			c.log.Warn("stream dial failed", "error", err)
		default:
			failures = 0
			c.setState(model.StreamOpen)
			err = c.serve(ctx, ws)
			if err == nil {
				c.setState(model.StreamClosed)
				return nil
			}
			base = c.cfg.AbnormalDelay
			c.log.Warn("stream closed abnormally", "error", fmt.Errorf("%w: %w", ErrStreamDisconnected, err))
		}

		failures++
		if c.cfg.MaxAttempts > 0 && failures > c.cfg.MaxAttempts {
			c.setState(model.StreamFailed)
			return fmt.Errorf("%w: gave up after %d attempts: %w", ErrStreamDisconnected, failures, err)
		}

		delay := c.backoff(base, failures)
		c.setState(model.StreamReconnecting)
		c.log.Info("stream reconnecting", "delay", delay, "attempt", failures)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(model.StreamFailed)
			return nil
		case <-t.C:
		}
	}
}

// backoff returns base * Multiplier^(failures-1), capped at MaxDelay.
func (c *Conn) backoff(base time.Duration, failures int) time.Duration {
	d := float64(base)
	for i := 1; i < failures; i++ {
		d *= c.cfg.Multiplier
		if d >= float64(c.cfg.MaxDelay) {
			return c.cfg.MaxDelay
		}
	}
	if time.Duration(d) > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// serve reads frames until the socket closes. It returns nil for a normal
// closure (from either side) and the read error otherwise.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(mt, data)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)

	// Keepalive pings and teardown watcher.
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown"))
				ws.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("stream closed normally", "error", err)
				return nil
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if c.h.OnMessage != nil {
			c.h.OnMessage(raw)
		}
	}
}
