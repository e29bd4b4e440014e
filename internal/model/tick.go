package model

import "encoding/json"

// Tick is a single live price update as published on /ws/price.
// Timestamp is epoch milliseconds.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Timestamp int64   `json:"timestamp"`
}

// JSON returns the JSON-encoded tick.
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// PingMessage is the control frame sent on an idle price stream.
type PingMessage struct {
	Type      string `json:"type"` // always "ping"
	Timestamp int64  `json:"timestamp"`
}
