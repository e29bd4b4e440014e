// Package series holds the ordered bar and volume sequences of one chart session.
//
// A Store is owned by a single goroutine (the session loop) and is not safe
// for concurrent use.
package series

import (
	"errors"
	"fmt"
	"sort"

	"trading-simv1/internal/model"
)

// DefaultMaxLen is the retention cap used when New is given a non-positive length.
const DefaultMaxLen = 1000

// ErrStaleBucket is returned when a live update targets a bucket older than the last bar.
var ErrStaleBucket = errors.New("series: live bucket older than last bar")

// Store keeps bars strictly ascending by time with one volume entry per bar.
type Store struct {
	maxLen  int
	bars    []model.Bar
	volumes []model.VolumeEntry
}

// New creates an empty Store that retains at most maxLen bars on the live path.
func New(maxLen int) *Store {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Store{maxLen: maxLen}
}

// MaxLen returns the retention cap.
func (s *Store) MaxLen() int { return s.maxLen }

// Seed replaces the content with bars. Volume values are zero.
func (s *Store) Seed(bars []model.Bar) {
	candles := make([]model.Candle, len(bars))
	for i, b := range bars {
		candles[i] = model.Candle{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
	}
	s.SeedCandles(candles)
}

// SeedCandles replaces the content with candles, keeping their volume.
// Duplicate times keep the last occurrence.
func (s *Store) SeedCandles(candles []model.Candle) {
	byTime := make(map[int64]model.Candle, len(candles))
	for _, c := range candles {
		byTime[c.Time] = c
	}
	s.rebuild(byTime)
}

// MergePrepend unions older candles into the store. Existing bars win on
// collision since they carry live state. The retention cap is not applied.
// Returns the number of bars added.
func (s *Store) MergePrepend(older []model.Candle) int {
	byTime := make(map[int64]model.Candle, len(older)+len(s.bars))
	for _, c := range older {
		byTime[c.Time] = c
	}
	for i, b := range s.bars {
		byTime[b.Time] = model.Candle{
			Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: s.volumes[i].Value,
		}
	}
	before := len(s.bars)
	s.rebuild(byTime)
	return len(s.bars) - before
}

func (s *Store) rebuild(byTime map[int64]model.Candle) {
	candles := make([]model.Candle, 0, len(byTime))
	for _, c := range byTime {
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })

	s.bars = make([]model.Bar, len(candles))
	s.volumes = make([]model.VolumeEntry, len(candles))
	for i, c := range candles {
		s.bars[i] = c.Bar()
		v := c.Volume
		if v < 0 {
			v = 0
		}
		s.volumes[i] = model.VolumeEntry{Time: c.Time, Value: v, Color: s.colorAt(i)}
	}
}

// colorAt derives the volume color of bar i from its predecessor.
// The first bar has no predecessor and counts as up.
func (s *Store) colorAt(i int) model.VolumeColor {
	if i == 0 || s.bars[i].Close >= s.bars[i-1].Close {
		return model.ColorUp
	}
	return model.ColorDown
}

// AppendOrUpdateLive applies a live price to the bar at bucketTime.
// A bucket newer than the last bar appends a flat bar with a zero-volume entry
// and, once over the retention cap, evicts the single oldest bar. The last
// bucket is updated in place. Older buckets return ErrStaleBucket.
func (s *Store) AppendOrUpdateLive(bucketTime int64, price float64) (appended bool, err error) {
	n := len(s.bars)
	if n > 0 {
		last := &s.bars[n-1]
		switch {
		case bucketTime == last.Time:
			if price > last.High {
				last.High = price
			}
			if price < last.Low {
				last.Low = price
			}
			last.Close = price
			s.volumes[n-1].Color = s.colorAt(n - 1)
			return false, nil
		case bucketTime < last.Time:
			return false, fmt.Errorf("%w: bucket %d, last %d", ErrStaleBucket, bucketTime, last.Time)
		}
	}

	s.bars = append(s.bars, model.Bar{Time: bucketTime, Open: price, High: price, Low: price, Close: price})
	s.volumes = append(s.volumes, model.VolumeEntry{Time: bucketTime})
	s.volumes[len(s.volumes)-1].Color = s.colorAt(len(s.bars) - 1)

	// One-in, one-out: pages merged past the cap stay until the live
	// path has rolled over them.
	if len(s.bars) > s.maxLen {
		s.bars = s.bars[1:]
		s.volumes = s.volumes[1:]
	}
	return true, nil
}

// AddVolume adds traded quantity to the last volume entry.
func (s *Store) AddVolume(qty float64) {
	if qty <= 0 || len(s.volumes) == 0 {
		return
	}
	s.volumes[len(s.volumes)-1].Value += qty
}

// Find returns the bar and volume entry at an exact time.
func (s *Store) Find(t int64) (model.Bar, model.VolumeEntry, bool) {
	i := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Time >= t })
	if i < len(s.bars) && s.bars[i].Time == t {
		return s.bars[i], s.volumes[i], true
	}
	return model.Bar{}, model.VolumeEntry{}, false
}

func (s *Store) Len() int { return len(s.bars) }

// Bars returns a copy of the bars.
func (s *Store) Bars() []model.Bar {
	out := make([]model.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Volumes returns a copy of the volume entries.
func (s *Store) Volumes() []model.VolumeEntry {
	out := make([]model.VolumeEntry, len(s.volumes))
	copy(out, s.volumes)
	return out
}

// Oldest returns the first bar.
func (s *Store) Oldest() (model.Bar, bool) {
	if len(s.bars) == 0 {
		return model.Bar{}, false
	}
	return s.bars[0], true
}

// Latest returns the last bar.
func (s *Store) Latest() (model.Bar, bool) {
	if len(s.bars) == 0 {
		return model.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Reset discards all content.
func (s *Store) Reset() {
	s.bars = nil
	s.volumes = nil
}
