// Package interval maps chart interval labels to fixed bucket widths and
// aligns timestamps to bucket starts.
package interval

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInterval is returned for labels outside the supported set.
var ErrInvalidInterval = errors.New("invalid interval")

// DefaultLabel is used only when sanitizing user input.
const DefaultLabel = "1m"

// Interval is a named fixed-width bucket.
type Interval struct {
	Label   string
	Seconds int64
}

// Duration returns the bucket width as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds) * time.Second
}

// BucketStart aligns ts (Unix seconds) to the start of its bucket.
// Uses floor division so timestamps before the epoch align downward too.
func (i Interval) BucketStart(ts int64) int64 {
	b := ts / i.Seconds * i.Seconds
	if b > ts {
		b -= i.Seconds
	}
	return b
}

// Supported intervals, in display order.
var All = []Interval{
	{"1m", 60},
	{"3m", 3 * 60},
	{"5m", 5 * 60},
	{"15m", 15 * 60},
	{"30m", 30 * 60},
	{"1h", 3600},
	{"2h", 2 * 3600},
	{"4h", 4 * 3600},
	{"6h", 6 * 3600},
	{"12h", 12 * 3600},
	{"1d", 86400},
	{"1w", 7 * 86400},
}

var registry = make(map[string]Interval, len(All))

func init() {
	for _, iv := range All {
		registry[iv.Label] = iv
	}
}

// Get returns the interval for a label.
func Get(label string) (Interval, error) {
	iv, ok := registry[label]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, label)
	}
	return iv, nil
}

// Must is Get for labels already validated by the caller.
// It panics on an unknown label.
func Must(label string) Interval {
	iv, err := Get(label)
	if err != nil {
		panic(err)
	}
	return iv
}

// BucketSeconds returns the bucket width in seconds for a label.
func BucketSeconds(label string) (int64, error) {
	iv, err := Get(label)
	if err != nil {
		return 0, err
	}
	return iv.Seconds, nil
}

// MustBucketSeconds is BucketSeconds for labels already validated by the caller.
// It panics on an unknown label.
func MustBucketSeconds(label string) int64 {
	return Must(label).Seconds
}

// BucketStart returns floor(ts / bucket) * bucket for the labelled interval.
func BucketStart(ts int64, label string) (int64, error) {
	iv, err := Get(label)
	if err != nil {
		return 0, err
	}
	return iv.BucketStart(ts), nil
}

// IsValid reports whether label is a supported interval.
func IsValid(label string) bool {
	_, ok := registry[label]
	return ok
}

// ParseOrDefault sanitizes an interval taken from user input or settings,
// falling back to DefaultLabel. Engine code must use Get instead.
func ParseOrDefault(label string) string {
	if IsValid(label) {
		return label
	}
	return DefaultLabel
}

// Labels returns all supported interval labels.
func Labels() []string {
	out := make([]string, len(All))
	for i, iv := range All {
		out[i] = iv.Label
	}
	return out
}
