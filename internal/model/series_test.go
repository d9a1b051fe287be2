package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(start time.Time, prices ...int64) []PricePoint {
	points := make([]PricePoint, 0, len(prices))
	for i, p := range prices {
		s := start.Add(time.Duration(i) * time.Hour)
		points = append(points, PricePoint{Start: s, End: s.Add(time.Hour), Price: decimal.NewFromInt(p), Currency: "EUR", Unit: UnitKWh})
	}
	return points
}

func TestPriceSeriesLookupAndOrder(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	points := hourly(start, 10, 20, 30)
	// reversed input plus a duplicate start
	input := []PricePoint{points[2], points[0], points[1], points[0]}

	s := NewPriceSeries(input)
	require.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"00:00", "01:00", "02:00"}, s.Keys())

	p, ok := s.Get("01:00")
	require.True(t, ok)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(20)))

	_, ok = s.Get("05:00")
	assert.False(t, ok)

	p, ok = s.StartingAt(start.Add(2 * time.Hour))
	require.True(t, ok)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(30)))
}

func TestPriceSeriesJSONRebuildsIndex(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	s := NewPriceSeries(hourly(start, 1, 2))

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded PriceSeries
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, 2, decoded.Len())
	p, ok := decoded.Get("01:00")
	require.True(t, ok)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(2)))
}

func TestEmptySeriesMarshalsAsArray(t *testing.T) {
	data, err := json.Marshal(PriceSeries{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestUnitFactor(t *testing.T) {
	f, err := UnitFactor(UnitMWh, UnitKWh)
	require.NoError(t, err)
	assert.True(t, f.Equal(decimal.RequireFromString("0.001")))

	u, err := CanonicalUnit("EUR / MWh")
	require.NoError(t, err)
	assert.Equal(t, UnitMWh, u)

	_, err = UnitFactor("GJ", UnitKWh)
	assert.Error(t, err)
}
