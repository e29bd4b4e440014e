package sim

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-simv1/internal/gateway"
	"trading-simv1/internal/history"
	"trading-simv1/internal/marketdata/interval"
	"trading-simv1/internal/model"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func decode(t *testing.T, rows [][]any) []model.Candle {
	t.Helper()
	raw, err := json.Marshal(rows)
	require.NoError(t, err)
	candles, err := history.BinanceSource{}.Decode(raw)
	require.NoError(t, err)
	return candles
}

func TestStreamSymbol(t *testing.T) {
	sym, ok := streamSymbol("/ws/btcusdt@aggTrade")
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)

	for _, p := range []string{"/ws/btcusdt", "/ws/@aggTrade", "/ws/btcusdt@kline_1m"} {
		_, ok := streamSymbol(p)
		assert.False(t, ok, p)
	}
}

func TestKlines_ShapeAndOHLC(t *testing.T) {
	iv := interval.Must("1m")
	candles := decode(t, Klines("BTCUSDT", 65000, iv, fixedNow, 0, 0, 50))
	require.Len(t, candles, 50)

	last := iv.BucketStart(fixedNow.Unix())
	assert.Equal(t, last, candles[49].Time)
	for i, c := range candles {
		assert.True(t, c.Bar().Valid(), "bar %d violates OHLC: %+v", i, c)
		assert.Positive(t, c.Volume)
		if i > 0 {
			assert.Equal(t, int64(60), c.Time-candles[i-1].Time)
			assert.Equal(t, candles[i-1].Close, c.Open, "bars must be continuous")
		}
	}
}

func TestKlines_PagesAgree(t *testing.T) {
	iv := interval.Must("5m")
	all := decode(t, Klines("ETHUSDT", 3200, iv, fixedNow, 0, 0, 20))
	recent := all[10:]
	older := decode(t, Klines("ETHUSDT", 3200, iv, fixedNow, 0, recent[0].Time*1000-1, 10))

	assert.Equal(t, all[:10], older)
}

func TestKlines_StartTime(t *testing.T) {
	iv := interval.Must("1h")
	startMs := (iv.BucketStart(fixedNow.Unix()) - 5*3600) * 1000
	candles := decode(t, Klines("BTCUSDT", 65000, iv, fixedNow, startMs, 0, 100))

	require.Len(t, candles, 6)
	assert.Equal(t, startMs/1000, candles[0].Time)
}

func TestExchange_KlinesThroughFetcher(t *testing.T) {
	ex := New(Config{Prices: map[string]float64{"BTCUSDT": 65000}, FailEvery: 2}, nil)
	ex.now = func() time.Time { return fixedNow }
	srv := httptest.NewServer(ex.Handler())
	defer srv.Close()

	var retries []string
	f := history.New(history.BinanceSource{URL: srv.URL + "/api/v3/klines"}, history.Config{},
		history.WithSleep(func(context.Context, time.Duration) error { return nil }))
	f.OnRetry = func(_ int, reason string) { retries = append(retries, reason) }

	first, err := f.Fetch(context.Background(), history.Request{Symbol: "btcusdt", Interval: "1m", Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Empty(t, retries)

	// Second request is throttled once, then served.
	second, err := f.Fetch(context.Background(), history.Request{Symbol: "btcusdt", Interval: "1m", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, retries, 1)
}

func TestExchange_KlinesBadInterval(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, nil).Handler())
	defer srv.Close()

	f := history.New(history.BinanceSource{URL: srv.URL + "/api/v3/klines"}, history.Config{})
	_, err := f.Fetch(context.Background(), history.Request{Symbol: "X", Interval: "7m", Limit: 3})
	assert.ErrorIs(t, err, interval.ErrInvalidInterval)
}

func TestExchange_AggTradeStream(t *testing.T) {
	ex := New(Config{TickInterval: 10 * time.Millisecond, Prices: map[string]float64{"BTCUSDT": 65000}}, nil)
	srv := httptest.NewServer(ex.Handler())
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(gateway.AggTradeURL(base, "BTCUSDT"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 3; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		tick, err := gateway.ParseAggTrade(raw, "BTCUSDT", 0)
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.InDelta(t, 65000, tick.Price, 65000*0.01)
		assert.Positive(t, tick.Timestamp)
	}
}
