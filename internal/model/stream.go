package model

// StreamState is the lifecycle state of a live price connection.
type StreamState int

const (
	StreamConnecting StreamState = iota
	StreamOpen
	StreamClosed
	StreamReconnecting
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamReconnecting:
		return "reconnecting"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions will happen.
func (s StreamState) Terminal() bool {
	return s == StreamClosed || s == StreamFailed
}

// MarshalText lets the state appear by name in JSON and log output.
func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is what the view layer receives whenever the chart changes.
type Snapshot struct {
	Symbol   string        `json:"symbol"`
	Interval string        `json:"interval"`
	Bars     []Bar         `json:"bars"`
	Volumes  []VolumeEntry `json:"volumes"`
	EMA1     []EMAPoint    `json:"ema1,omitempty"`
	EMA2     []EMAPoint    `json:"ema2,omitempty"`
	Markers  []TradeMarker `json:"markers,omitempty"`
	State    StreamState   `json:"state"`
}
