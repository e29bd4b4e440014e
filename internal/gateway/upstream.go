package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trading-simv1/internal/model"
)

// ErrBadTrade marks an upstream frame that carries no usable trade.
var ErrBadTrade = errors.New("gateway: bad upstream trade")

// aggTrade is the exchange aggregate trade event. Prices and quantities
// arrive as decimal strings.
type aggTrade struct {
	Symbol string          `json:"s"`
	Price  json.RawMessage `json:"p"`
	Qty    json.RawMessage `json:"q"`
	Time   int64           `json:"T"`
}

// combined wraps events delivered on a combined stream.
type combined struct {
	Stream string    `json:"stream"`
	Data   *aggTrade `json:"data"`
}

// AggTradeURL returns the per-symbol aggTrade stream under base,
// e.g. wss://stream.binance.com:9443/ws/btcusdt@aggTrade.
func AggTradeURL(base, symbol string) string {
	return strings.TrimRight(base, "/") + "/" + strings.ToLower(symbol) + "@aggTrade"
}

// ParseAggTrade converts one upstream frame into a tick for symbol.
// nowMs is used when the event has no trade time.
func ParseAggTrade(raw []byte, symbol string, nowMs int64) (model.Tick, error) {
	var ev aggTrade
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", ErrBadTrade, err)
	}
	if len(ev.Price) == 0 {
		var c combined
		if err := json.Unmarshal(raw, &c); err != nil || c.Data == nil {
			return model.Tick{}, fmt.Errorf("%w: no price", ErrBadTrade)
		}
		ev = *c.Data
	}

	price, err := decimalField(ev.Price)
	if err != nil || !price.IsPositive() {
		return model.Tick{}, fmt.Errorf("%w: price %s", ErrBadTrade, ev.Price)
	}
	qty := decimal.Zero
	if len(ev.Qty) > 0 {
		if qty, err = decimalField(ev.Qty); err != nil {
			return model.Tick{}, fmt.Errorf("%w: qty %s", ErrBadTrade, ev.Qty)
		}
	}
	ts := ev.Time
	if ts == 0 {
		ts = nowMs
	}
	return model.Tick{
		Symbol:    strings.ToUpper(symbol),
		Price:     price.InexactFloat64(),
		Qty:       qty.InexactFloat64(),
		Timestamp: ts,
	}, nil
}

// decimalField accepts both "65000.12" and 65000.12.
func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	return decimal.NewFromString(string(raw))
}
