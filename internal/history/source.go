package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"trading-simv1/internal/model"
)

// Source builds upstream requests and decodes their payloads.
type Source interface {
	NewRequest(ctx context.Context, req Request) (*http.Request, error)
	Decode(body []byte) ([]model.Candle, error)
}

func query(req Request, symbol string) url.Values {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", req.Interval)
	q.Set("limit", strconv.Itoa(req.Limit))
	if req.StartTime > 0 {
		q.Set("startTime", strconv.FormatInt(req.StartTime, 10))
	}
	if req.EndTime > 0 {
		q.Set("endTime", strconv.FormatInt(req.EndTime, 10))
	}
	return q
}

// APISource reads the chart server's /api/candles endpoint.
type APISource struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
}

func (s APISource) NewRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := strings.TrimRight(s.BaseURL, "/") + "/api/candles?" + query(req, req.Symbol).Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (s APISource) Decode(body []byte) ([]model.Candle, error) {
	var out []model.Candle
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BinanceSource reads exchange klines:
// [openTimeMs, "open", "high", "low", "close", "volume", closeTimeMs, ...].
type BinanceSource struct {
	// URL is the klines endpoint, e.g. https://api.binance.com/api/v3/klines.
	URL string
}

func (s BinanceSource) NewRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := s.URL + "?" + query(req, strings.ToUpper(req.Symbol)).Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (s BinanceSource) Decode(body []byte) ([]model.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(rows))
	for i, k := range rows {
		if len(k) < 6 {
			return nil, fmt.Errorf("kline %d: %d fields", i, len(k))
		}
		var openTime int64
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			return nil, fmt.Errorf("kline %d: open time: %w", i, err)
		}
		var f [5]decimal.Decimal
		for j := range f {
			d, err := klineDecimal(k[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			f[j] = d
		}
		out = append(out, model.Candle{
			Time:   openTime / 1000,
			Open:   f[0].Round(2).InexactFloat64(),
			High:   f[1].Round(2).InexactFloat64(),
			Low:    f[2].Round(2).InexactFloat64(),
			Close:  f[3].Round(2).InexactFloat64(),
			Volume: f[4].Round(6).InexactFloat64(),
		})
	}
	return out, nil
}

// klineDecimal accepts both quoted and bare numbers.
func klineDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	return decimal.NewFromString(string(raw))
}
