package indicator

import "trading-simv1/internal/model"

// EMA is the streaming exponential moving average.
// O(1) per update, seeded with the first value.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	precise    bool
}

// NewEMA creates an EMA that rounds cumulatively to two decimals.
func NewEMA(period int) (*EMA, error) {
	if period < 2 {
		return nil, ErrInvalidPeriod
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}, nil
}

// NewPreciseEMA creates an EMA that keeps full precision internally.
// Value and Peek still return two-decimal results.
func NewPreciseEMA(period int) (*EMA, error) {
	e, err := NewEMA(period)
	if err != nil {
		return nil, err
	}
	e.precise = true
	return e, nil
}

func (e *EMA) Period() int { return e.period }

// Update feeds the next close and returns the new (rounded) value.
func (e *EMA) Update(price float64) float64 {
	e.current = e.next(price)
	e.count++
	return e.Value()
}

func (e *EMA) next(price float64) float64 {
	var v float64
	if e.count == 0 {
		v = price
	} else {
		// EMA = price*k + prev*(1-k)
		v = price*e.multiplier + e.current*(1-e.multiplier)
	}
	if e.precise {
		return v
	}
	return round2(v)
}

// Value returns the current value rounded to two decimals. 0 before the first update.
func (e *EMA) Value() float64 {
	if e.count == 0 {
		return 0
	}
	return round2(e.current)
}

// Ready reports whether at least one value has been folded in.
func (e *EMA) Ready() bool { return e.count > 0 }

// Peek computes what Value() would be after price, without mutating state.
// Used to preview the forming bar.
func (e *EMA) Peek(price float64) float64 {
	return round2(e.next(price))
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}

// ComputeEMA returns the EMA of values with cumulative two-decimal rounding.
// out[0] = values[0]; the output has the same length as values.
func ComputeEMA(values []float64, period int) ([]float64, error) {
	e, err := NewEMA(period)
	if err != nil {
		return nil, err
	}
	return fold(e, values), nil
}

// ComputeEMAPrecise is ComputeEMA without intermediate rounding.
func ComputeEMAPrecise(values []float64, period int) ([]float64, error) {
	e, err := NewPreciseEMA(period)
	if err != nil {
		return nil, err
	}
	return fold(e, values), nil
}

func fold(e *EMA, values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = e.Update(v)
	}
	return out
}

// EMAForBars computes the EMA of bar closes, aligned 1:1 with bar times.
func EMAForBars(bars []model.Bar, period int) ([]model.EMAPoint, error) {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	values, err := ComputeEMA(closes, period)
	if err != nil {
		return nil, err
	}
	out := make([]model.EMAPoint, len(bars))
	for i, b := range bars {
		out[i] = model.EMAPoint{Time: b.Time, Value: values[i]}
	}
	return out, nil
}
