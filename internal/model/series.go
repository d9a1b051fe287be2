package model

import (
	"encoding/json"
	"sort"
	"time"
)

// IntervalKeyFormat formats an interval start into its lookup key.
const IntervalKeyFormat = "15:04"

// IntervalKey returns the lookup key of an interval starting at t.
func IntervalKey(t time.Time) string {
	return t.Format(IntervalKeyFormat)
}

// PriceSeries is an ordered, start-unique run of price points for one day window.
// Lookups by interval key or instant are O(1).
type PriceSeries struct {
	points  []PricePoint
	byKey   map[string]int
	byStart map[int64]int
}

// NewPriceSeries sorts points by start and keeps the first point for each start instant.
func NewPriceSeries(points []PricePoint) PriceSeries {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	s := PriceSeries{
		points:  make([]PricePoint, 0, len(sorted)),
		byKey:   make(map[string]int, len(sorted)),
		byStart: make(map[int64]int, len(sorted)),
	}
	for _, p := range sorted {
		unix := p.Start.Unix()
		if _, dup := s.byStart[unix]; dup {
			continue
		}
		idx := len(s.points)
		s.points = append(s.points, p)
		s.byStart[unix] = idx
		// On a DST fall-back day the repeated wall-clock hour keeps its first interval.
		key := IntervalKey(p.Start)
		if _, taken := s.byKey[key]; !taken {
			s.byKey[key] = idx
		}
	}
	return s
}

// Len returns the number of intervals.
func (s PriceSeries) Len() int {
	return len(s.points)
}

// IsEmpty reports whether the series has no intervals.
func (s PriceSeries) IsEmpty() bool {
	return len(s.points) == 0
}

// Points returns a copy of the ordered points.
func (s PriceSeries) Points() []PricePoint {
	out := make([]PricePoint, len(s.points))
	copy(out, s.points)
	return out
}

// Get looks up the interval by its formatted key (see IntervalKeyFormat).
func (s PriceSeries) Get(key string) (PricePoint, bool) {
	idx, ok := s.byKey[key]
	if !ok {
		return PricePoint{}, false
	}
	return s.points[idx], true
}

// StartingAt returns the interval starting exactly at t.
func (s PriceSeries) StartingAt(t time.Time) (PricePoint, bool) {
	idx, ok := s.byStart[t.Unix()]
	if !ok {
		return PricePoint{}, false
	}
	return s.points[idx], true
}

// Keys returns interval keys in chronological order.
func (s PriceSeries) Keys() []string {
	keys := make([]string, 0, len(s.points))
	for _, p := range s.points {
		keys = append(keys, IntervalKey(p.Start))
	}
	return keys
}

// MarshalJSON encodes the series as its ordered point list.
func (s PriceSeries) MarshalJSON() ([]byte, error) {
	if s.points == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.points)
}

// UnmarshalJSON decodes a point list and rebuilds the lookup indexes.
func (s *PriceSeries) UnmarshalJSON(data []byte) error {
	var points []PricePoint
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}
	*s = NewPriceSeries(points)
	return nil
}
