// Package indicator computes chart overlays from bar closes.
//
// Values are rounded to two decimals at every step: each rounded value feeds
// the next one, so ComputeEMA reproduces exactly what the chart has always
// displayed. ComputeEMAPrecise keeps full precision and rounds only the output.
package indicator

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidPeriod is returned for periods below 2.
var ErrInvalidPeriod = errors.New("indicator: period must be >= 2")

// Places is the number of decimals indicator values are rounded to.
const Places = 2

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(Places).InexactFloat64()
}
