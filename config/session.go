package config

import (
	"fmt"
	"strconv"

	"trading-simv1/internal/marketdata/interval"
	"trading-simv1/internal/model"
)

// Settings store keys.
const (
	KeyInterval     = "chart.interval"
	KeyHistoryLimit = "chart.history_limit"
	KeyEMA1Period   = "chart.ema1.period"
	KeyEMA2Period   = "chart.ema2.period"
	KeyEMA1Visible  = "chart.ema1.visible"
	KeyEMA2Visible  = "chart.ema2.visible"
)

// Session is the explicit configuration of one chart session.
// It is read once and passed in; changes take effect through Session.Reload.
type Session struct {
	Symbol       string
	Interval     string
	HistoryLimit int
	MaxBars      int

	EMA1Period  int
	EMA1Visible bool
	EMA2Period  int
	EMA2Visible bool
}

// DefaultSession returns the built-in chart settings.
func DefaultSession() Session {
	return Session{
		Symbol:       "BTCUSDT",
		Interval:     "1m",
		HistoryLimit: 500,
		MaxBars:      1000,
		EMA1Period:   9,
		EMA1Visible:  true,
		EMA2Period:   21,
		EMA2Visible:  true,
	}
}

// Validate checks the session values the engine relies on.
func (s Session) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("config: empty symbol")
	}
	if !interval.IsValid(s.Interval) {
		return fmt.Errorf("config: %w: %q", interval.ErrInvalidInterval, s.Interval)
	}
	if s.HistoryLimit < 1 || s.HistoryLimit > 1000 {
		return fmt.Errorf("config: history limit %d out of range 1..1000", s.HistoryLimit)
	}
	if s.EMA1Period < 2 || s.EMA2Period < 2 {
		return fmt.Errorf("config: ema periods must be >= 2 (got %d, %d)", s.EMA1Period, s.EMA2Period)
	}
	return nil
}

// LoadSession builds a Session from the settings store on top of the defaults.
// Unparseable or out-of-range stored values are ignored.
func LoadSession(store model.SettingsStore) Session {
	s := DefaultSession()
	if store == nil {
		return s
	}
	if v, ok := store.Get(KeyInterval); ok {
		s.Interval = interval.ParseOrDefault(v)
	}
	if n, ok := intSetting(store, KeyHistoryLimit); ok && n >= 1 && n <= 1000 {
		s.HistoryLimit = n
	}
	if n, ok := intSetting(store, KeyEMA1Period); ok && n >= 2 {
		s.EMA1Period = n
	}
	if n, ok := intSetting(store, KeyEMA2Period); ok && n >= 2 {
		s.EMA2Period = n
	}
	if b, ok := boolSetting(store, KeyEMA1Visible); ok {
		s.EMA1Visible = b
	}
	if b, ok := boolSetting(store, KeyEMA2Visible); ok {
		s.EMA2Visible = b
	}
	return s
}

// SaveSession writes the display settings of s into the store.
func SaveSession(store model.SettingsStore, s Session) error {
	pairs := [][2]string{
		{KeyInterval, s.Interval},
		{KeyHistoryLimit, strconv.Itoa(s.HistoryLimit)},
		{KeyEMA1Period, strconv.Itoa(s.EMA1Period)},
		{KeyEMA2Period, strconv.Itoa(s.EMA2Period)},
		{KeyEMA1Visible, strconv.FormatBool(s.EMA1Visible)},
		{KeyEMA2Visible, strconv.FormatBool(s.EMA2Visible)},
	}
	for _, p := range pairs {
		if err := store.Set(p[0], p[1]); err != nil {
			return fmt.Errorf("config: save %s: %w", p[0], err)
		}
	}
	return nil
}

// SeedSession writes s only for keys not already present.
func SeedSession(store model.SettingsStore, s Session) error {
	if _, ok := store.Get(KeyInterval); ok {
		return nil
	}
	return SaveSession(store, s)
}

func intSetting(store model.SettingsStore, key string) (int, bool) {
	v, ok := store.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func boolSetting(store model.SettingsStore, key string) (bool, bool) {
	v, ok := store.Get(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// ValidateSetting checks a chart.* value before it is stored. Keys outside
// the chart namespace are accepted as-is.
func ValidateSetting(key, value string) error {
	switch key {
	case KeyInterval:
		if !interval.IsValid(value) {
			return fmt.Errorf("config: %s: %w: %q", key, interval.ErrInvalidInterval, value)
		}
	case KeyHistoryLimit:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 1000 {
			return fmt.Errorf("config: %s must be 1..1000 (got %q)", key, value)
		}
	case KeyEMA1Period, KeyEMA2Period:
		n, err := strconv.Atoi(value)
		if err != nil || n < 2 {
			return fmt.Errorf("config: %s must be >= 2 (got %q)", key, value)
		}
	case KeyEMA1Visible, KeyEMA2Visible:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("config: %s must be a bool (got %q)", key, value)
		}
	}
	return nil
}
