package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"trading-simv1/internal/model"
)

// ErrMalformedTick marks a stream frame that is neither a tick nor a ping.
var ErrMalformedTick = errors.New("session: malformed tick")

// frame is the union of everything the price stream sends.
type frame struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Qty       float64  `json:"qty"`
	Timestamp int64    `json:"timestamp"`
}

// ParseFrame decodes one price stream frame. ping is true for control
// frames, which carry no tick.
func ParseFrame(raw []byte) (tick model.Tick, ping bool, err error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if f.Type == "ping" {
		return model.Tick{}, true, nil
	}
	if f.Type != "" {
		return model.Tick{}, false, fmt.Errorf("%w: unknown type %q", ErrMalformedTick, f.Type)
	}
	if f.Price == nil {
		return model.Tick{}, false, fmt.Errorf("%w: missing price", ErrMalformedTick)
	}
	p := *f.Price
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return model.Tick{}, false, fmt.Errorf("%w: bad price %v", ErrMalformedTick, p)
	}
	if f.Qty < 0 {
		f.Qty = 0
	}
	return model.Tick{Symbol: f.Symbol, Price: p, Qty: f.Qty, Timestamp: f.Timestamp}, false, nil
}
