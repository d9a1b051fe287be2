// Package model holds the canonical price types shared by the fetch pipeline.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one priced interval in canonical form.
type PricePoint struct {
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Unit     string          `json:"unit"`
}

// Duration returns the interval length.
func (p PricePoint) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Contains reports whether t falls inside [Start, End).
func (p PricePoint) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// RawPoint is a provider value before conversion.
type RawPoint struct {
	Start time.Time       `json:"start"`
	End   time.Time       `json:"end"`
	Price decimal.Decimal `json:"price"`
}

// RawSeries is the parsed output of one source adapter.
type RawSeries struct {
	Points   []RawPoint `json:"points"`
	Currency string     `json:"currency"`
	Unit     string     `json:"unit"`
	Timezone string     `json:"timezone"`
}

// Len returns the number of raw points.
func (r RawSeries) Len() int {
	return len(r.Points)
}

// Interval infers the native interval length of the series.
func (r RawSeries) Interval() time.Duration {
	for _, p := range r.Points {
		if d := p.End.Sub(p.Start); d > 0 {
			return d
		}
	}
	return 0
}
