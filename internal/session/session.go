// Package session runs one chart: it seeds the series from history, folds
// live ticks into the current bar, recomputes EMAs, and publishes snapshots.
//
// All series mutations happen on the Run goroutine. Stream callbacks and
// history fetches only post events to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trading-simv1/config"
	"trading-simv1/internal/history"
	"trading-simv1/internal/indicator"
	"trading-simv1/internal/logger"
	"trading-simv1/internal/marketdata/interval"
	"trading-simv1/internal/model"
	"trading-simv1/internal/ringbuf"
	"trading-simv1/internal/series"
	"trading-simv1/internal/stream"
)

// Hooks are optional counters for live traffic.
type Hooks struct {
	OnTick      func()
	OnMalformed func()
	OnDropped   func()
	OnState     func(model.StreamState)
}

// Fetcher is the history source used by a Session.
type Fetcher interface {
	Fetch(ctx context.Context, req history.Request) ([]model.Candle, error)
}

// Session owns the series of one chart.
type Session struct {
	id        string
	fetcher   Fetcher
	streamURL func(symbol string) string
	streamCfg stream.Config
	now       func() time.Time
	hooks     Hooks
	log       *slog.Logger

	mu   sync.RWMutex
	cfg  config.Session
	subs map[int]func(model.Snapshot)
	next int

	events  chan event
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once

	ring            *ringbuf.Ring
	lastSeen        atomic.Int64
	malformedLogged atomic.Bool
	publishing      atomic.Bool

	// Loop-owned state.
	store       *series.Store
	ema1, ema2  []model.EMAPoint
	markers     []model.TradeMarker
	state       model.StreamState
	gen         uint64
	loadingMore bool
	resyncDue   bool
	conn        *stream.Conn
	connCancel  context.CancelFunc
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces time.Now for bucketing ticks.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

// WithHooks sets traffic counters.
func WithHooks(h Hooks) Option { return func(s *Session) { s.hooks = h } }

// WithStreamConfig sets reconnect settings for the price stream. URL is ignored.
func WithStreamConfig(c stream.Config) Option { return func(s *Session) { s.streamCfg = c } }

// WithRingSize sets the tick queue capacity. Default 1024.
func WithRingSize(n int) Option { return func(s *Session) { s.ring = ringbuf.New(n) } }

// PriceStreamURL builds the /ws/price URL of a chart server from its HTTP base URL.
func PriceStreamURL(apiURL string) func(symbol string) string {
	base := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return func(symbol string) string {
		return base + "/ws/price?symbol=" + url.QueryEscape(symbol)
	}
}

// New creates a Session. cfg must be valid; it is the only source of
// chart settings until Reload.
func New(cfg config.Session, fetcher Fetcher, streamURL func(symbol string) string, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:        logger.NewSessionID(),
		fetcher:   fetcher,
		streamURL: streamURL,
		now:       time.Now,
		cfg:       cfg,
		subs:      make(map[int]func(model.Snapshot)),
		events:    make(chan event, 64),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
		state:     model.StreamConnecting,
	}
	for _, o := range opts {
		o(s)
	}
	if s.ring == nil {
		s.ring = ringbuf.New(1024)
	}
	s.log = logger.OrDefault(s.log).With("session_id", s.id)
	s.store = series.New(cfg.MaxBars)
	return s, nil
}

// ID returns the session identifier carried on log lines.
func (s *Session) ID() string { return s.id }

// Config returns the active settings.
func (s *Session) Config() config.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LastSeen returns when the stream last delivered any frame, including pings.
func (s *Session) LastSeen() time.Time {
	ms := s.lastSeen.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Subscribe registers a view callback. fn runs on the session goroutine and
// may call back into the Session; such commands are queued behind the
// current snapshot. The returned func removes it.
func (s *Session) Subscribe(fn func(model.Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// ── commands ──

type event interface{}

type reloadCmd struct{ cfg config.Session }
type loadMoreCmd struct{}
type markersCmd struct{ markers []model.TradeMarker }
type stateEvent struct {
	gen   uint64
	state model.StreamState
}
type fetchKind int

const (
	fetchInitial fetchKind = iota
	fetchOlder
	fetchGap
)

func (k fetchKind) String() string {
	switch k {
	case fetchOlder:
		return "older"
	case fetchGap:
		return "gap"
	default:
		return "initial"
	}
}

type fetchResult struct {
	gen     uint64
	kind    fetchKind
	candles []model.Candle
	err     error
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	default:
	}
	if s.publishing.Load() {
		// A subscriber is running on the loop, which cannot drain events
		// until it returns.
		go s.postWait(ev)
		return true
	}
	return s.postWait(ev)
}

func (s *Session) postWait(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

// Reload applies new settings. A symbol, interval or retention change
// reloads history and resubscribes; EMA changes only recompute.
func (s *Session) Reload(cfg config.Session) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.post(reloadCmd{cfg: cfg})
	return nil
}

// SetInterval switches the chart interval.
func (s *Session) SetInterval(label string) error {
	if _, err := interval.Get(label); err != nil {
		return err
	}
	cfg := s.Config()
	cfg.Interval = label
	return s.Reload(cfg)
}

// SetSymbol switches the chart symbol.
func (s *Session) SetSymbol(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("session: empty symbol")
	}
	cfg := s.Config()
	cfg.Symbol = symbol
	return s.Reload(cfg)
}

// LoadMore requests the page of bars older than the oldest held bar.
// Ignored while a previous page is still loading.
func (s *Session) LoadMore() { s.post(loadMoreCmd{}) }

// SetMarkers replaces the trade markers shown on the chart.
func (s *Session) SetMarkers(m []model.TradeMarker) {
	cp := make([]model.TradeMarker, len(m))
	copy(cp, m)
	s.post(markersCmd{markers: cp})
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closing) })
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// Run loads history, opens the price stream and processes events until
// ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("session started", "symbol", s.cfg.Symbol, "interval", s.cfg.Interval)
	s.start(ctx)

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil
		case <-s.closing:
			s.teardown()
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-s.ring.Wake():
			if n := s.ring.Drain(s.applyTick); n > 0 {
				s.recompute()
				s.publish()
			}
		}
	}
}

// start begins a generation: empty series, initial fetch, fresh stream.
func (s *Session) start(ctx context.Context) {
	s.gen++
	s.loadingMore = false
	s.resyncDue = false
	s.store.Reset()
	s.ema1, s.ema2 = nil, nil

	cfg := s.cfg
	s.fetch(ctx, fetchInitial, history.Request{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		Limit:    cfg.HistoryLimit,
	})
	s.subscribeStream(ctx, cfg.Symbol)
	s.publish()
}

func (s *Session) fetch(ctx context.Context, kind fetchKind, req history.Request) {
	gen := s.gen
	go func() {
		candles, err := s.fetcher.Fetch(ctx, req)
		s.post(fetchResult{gen: gen, kind: kind, candles: candles, err: err})
	}()
}

// subscribeStream retires the current connection and opens one for symbol.
func (s *Session) subscribeStream(ctx context.Context, symbol string) {
	s.retireStream()

	cfg := s.streamCfg
	cfg.URL = s.streamURL(symbol)
	gen := s.gen
	connCtx, cancel := context.WithCancel(ctx)

	conn, err := stream.New(cfg, stream.Handler{
		OnState: func(st model.StreamState) {
			select {
			case s.events <- stateEvent{gen: gen, state: st}:
			case <-connCtx.Done():
			}
		},
		OnMessage: s.onMessage,
	}, s.log)
	if err != nil {
		cancel()
		s.log.Error("price stream not started", "error", err)
		s.state = model.StreamFailed
		return
	}
	s.conn, s.connCancel = conn, cancel
	s.state = model.StreamConnecting
	go conn.Run(connCtx)
}

// retireStream closes the current connection and waits for its reader to
// stop, so the tick ring keeps a single producer.
func (s *Session) retireStream() {
	if s.conn == nil {
		return
	}
	s.connCancel()
	<-s.conn.Done()
	s.state = s.conn.State()
	s.conn, s.connCancel = nil, nil
}

// onMessage runs on the stream goroutine.
func (s *Session) onMessage(raw []byte) {
	s.lastSeen.Store(time.Now().UnixMilli())
	tick, ping, err := ParseFrame(raw)
	if ping {
		return
	}
	if err != nil {
		if s.hooks.OnMalformed != nil {
			s.hooks.OnMalformed()
		}
		if s.malformedLogged.CompareAndSwap(false, true) {
			s.log.Warn("dropping malformed tick", "error", err, "raw", truncate(raw, 128))
		}
		return
	}
	if !s.ring.Push(tick) && s.hooks.OnDropped != nil {
		s.hooks.OnDropped()
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case reloadCmd:
		s.reload(ctx, ev.cfg)

	case loadMoreCmd:
		oldest, ok := s.store.Oldest()
		if s.loadingMore || !ok {
			return
		}
		s.loadingMore = true
		s.fetch(ctx, fetchOlder, history.Request{
			Symbol:   s.cfg.Symbol,
			Interval: s.cfg.Interval,
			Limit:    s.cfg.HistoryLimit,
		}.OlderThan(oldest.Time))

	case markersCmd:
		s.markers = ev.markers
		s.publish()

	case stateEvent:
		if ev.gen != s.gen {
			return
		}
		s.state = ev.state
		if s.hooks.OnState != nil {
			s.hooks.OnState(ev.state)
		}
		switch ev.state {
		case model.StreamReconnecting:
			s.resyncDue = true
		case model.StreamOpen:
			if s.resyncDue {
				s.resyncDue = false
				s.resync(ctx)
			}
		}
		s.publish()

	case fetchResult:
		s.applyFetch(ev)
	}
}

// resync fetches the bars from the latest held bucket onward, covering
// whatever the stream missed while it was down.
func (s *Session) resync(ctx context.Context) {
	latest, ok := s.store.Latest()
	if !ok {
		return
	}
	s.log.Info("stream reopened, filling gap", "from", latest.Time)
	s.fetch(ctx, fetchGap, history.Request{
		Symbol:   s.cfg.Symbol,
		Interval: s.cfg.Interval,
		Limit:    s.cfg.HistoryLimit,
	}.Since(latest.Time))
}

func (s *Session) reload(ctx context.Context, next config.Session) {
	prev := s.cfg
	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	if next.Symbol != prev.Symbol || next.Interval != prev.Interval || next.MaxBars != prev.MaxBars {
		s.log.Info("session reloading", "symbol", next.Symbol, "interval", next.Interval)
		if next.MaxBars != prev.MaxBars {
			s.store = series.New(next.MaxBars)
		}
		s.start(ctx)
		return
	}
	s.recompute()
	s.publish()
}

func (s *Session) applyFetch(r fetchResult) {
	if r.gen != s.gen {
		return
	}
	if r.kind == fetchOlder {
		s.loadingMore = false
	}
	if r.err != nil {
		if errors.Is(r.err, context.Canceled) {
			return
		}
		// Keep whatever is on screen.
		s.log.Warn("history load failed", "kind", r.kind.String(), "error", r.err)
		return
	}

	switch {
	case r.kind == fetchOlder:
		added := s.store.MergePrepend(r.candles)
		s.log.Debug("older history merged", "added", added, "bars", s.store.Len())
	case r.kind == fetchGap:
		// Held bars win; only missing buckets are filled.
		added := s.store.MergePrepend(r.candles)
		s.log.Debug("gap filled", "added", added, "bars", s.store.Len())
	case s.store.Len() == 0:
		s.store.SeedCandles(r.candles)
	default:
		// Ticks arrived before history: live bars win.
		s.store.MergePrepend(r.candles)
	}
	s.recompute()
	s.publish()
}

// applyTick folds one live tick into the bucket of the current time.
func (s *Session) applyTick(t model.Tick) {
	if t.Symbol != "" && !strings.EqualFold(t.Symbol, s.cfg.Symbol) {
		return
	}
	bucket := interval.Must(s.cfg.Interval).BucketStart(s.now().Unix())
	if _, err := s.store.AppendOrUpdateLive(bucket, t.Price); err != nil {
		s.log.Debug("live tick ignored", "error", err)
		return
	}
	s.store.AddVolume(t.Qty)
	if s.hooks.OnTick != nil {
		s.hooks.OnTick()
	}
}

func (s *Session) recompute() {
	bars := s.store.Bars()
	s.ema1 = s.emaFor(bars, s.cfg.EMA1Period, s.cfg.EMA1Visible)
	s.ema2 = s.emaFor(bars, s.cfg.EMA2Period, s.cfg.EMA2Visible)
}

func (s *Session) emaFor(bars []model.Bar, period int, visible bool) []model.EMAPoint {
	if !visible || len(bars) == 0 {
		return nil
	}
	pts, err := indicator.EMAForBars(bars, period)
	if err != nil {
		s.log.Error("ema failed", "period", period, "error", err)
		return nil
	}
	return pts
}

// snapshot builds the current view state. Loop goroutine only.
func (s *Session) snapshot() model.Snapshot {
	snap := model.Snapshot{
		Symbol:   s.cfg.Symbol,
		Interval: s.cfg.Interval,
		Bars:     s.store.Bars(),
		Volumes:  s.store.Volumes(),
		EMA1:     s.ema1,
		EMA2:     s.ema2,
		State:    s.state,
	}
	oldest, ok1 := s.store.Oldest()
	latest, ok2 := s.store.Latest()
	if ok1 && ok2 {
		bucket := interval.Must(s.cfg.Interval).Seconds
		for _, m := range s.markers {
			if m.Time >= oldest.Time && m.Time < latest.Time+bucket {
				snap.Markers = append(snap.Markers, m)
			}
		}
	}
	return snap
}

func (s *Session) publish() {
	s.mu.RLock()
	subs := make([]func(model.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	snap := s.snapshot()
	s.publishing.Store(true)
	defer s.publishing.Store(false)
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) teardown() {
	s.gen++ // late fetch results and stream states are discarded
	s.retireStream()
	s.log.Info("session closed", "state", s.state.String())
	s.publish()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
