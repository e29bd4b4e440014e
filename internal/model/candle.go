package model

import "encoding/json"

// Bar is one OHLC candle for a fixed time bucket.
// Time is the bucket start in Unix seconds.
type Bar struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Candle is the wire form returned by the candle API: a Bar plus traded volume.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Bar drops the volume.
func (c Candle) Bar() Bar {
	return Bar{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
}

// Valid reports whether the OHLC invariant low <= open,close <= high holds.
func (b Bar) Valid() bool {
	return b.Low <= b.Open && b.Low <= b.Close && b.Open <= b.High && b.Close <= b.High
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// VolumeColor is the rendering hint of a volume histogram entry.
type VolumeColor int

const (
	ColorNeutral VolumeColor = iota
	ColorUp
	ColorDown
)

func (c VolumeColor) String() string {
	switch c {
	case ColorUp:
		return "up"
	case ColorDown:
		return "down"
	default:
		return "neutral"
	}
}

// MarshalJSON encodes the color as its name so the view layer can map it directly.
func (c VolumeColor) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// VolumeEntry is paired 1:1 with a Bar by Time.
type VolumeEntry struct {
	Time  int64       `json:"time"`
	Value float64     `json:"value"`
	Color VolumeColor `json:"color"`
}

// EMAPoint is one EMA value aligned to a bar time.
type EMAPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// TradeMarker decorates the chart with an executed trade. Read-only for the core.
type TradeMarker struct {
	Time  int64   `json:"time"`
	Side  string  `json:"side"` // BUY, SELL
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}
