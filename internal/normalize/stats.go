package normalize

import (
	"time"

	"github.com/shopspring/decimal"

	"spotprice-engine/internal/model"
)

// Peak hours are [PeakStartHour, PeakEndHour) local time; everything else is off-peak.
const (
	PeakStartHour = 6
	PeakEndHour   = 22
)

// ExpectedIntervals is the number of intervals in the local day [from, to). DST days
// are 23 or 25 hours long, so hourly data expects 23 or 25 points on them.
func ExpectedIntervals(from, to time.Time, interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	return int(to.Sub(from) / interval)
}

// dayStats computes aggregates only when every expected interval is present.
func dayStats(s model.PriceSeries, from, to time.Time, interval time.Duration, loc *time.Location) model.DayStats {
	st := model.DayStats{
		Intervals: s.Len(),
		Expected:  ExpectedIntervals(from, to, interval),
	}
	if st.Expected == 0 || st.Intervals < st.Expected {
		return st
	}
	st.CompleteData = true

	points := s.Points()
	minP, maxP := points[0], points[0]
	sum := decimal.Zero
	peakSum, offSum := decimal.Zero, decimal.Zero
	peakN, offN := 0, 0
	for _, p := range points {
		if p.Price.LessThan(minP.Price) {
			minP = p
		}
		if p.Price.GreaterThan(maxP.Price) {
			maxP = p
		}
		sum = sum.Add(p.Price)
		if h := p.Start.In(loc).Hour(); h >= PeakStartHour && h < PeakEndHour {
			peakSum = peakSum.Add(p.Price)
			peakN++
		} else {
			offSum = offSum.Add(p.Price)
			offN++
		}
	}

	minV, maxV := minP.Price, maxP.Price
	minAt, maxAt := minP.Start, maxP.Start
	avg := sum.Div(decimal.NewFromInt(int64(len(points))))
	st.Min, st.Max, st.Average = &minV, &maxV, &avg
	st.MinAt, st.MaxAt = &minAt, &maxAt
	if peakN > 0 {
		v := peakSum.Div(decimal.NewFromInt(int64(peakN)))
		st.PeakAverage = &v
	}
	if offN > 0 {
		v := offSum.Div(decimal.NewFromInt(int64(offN)))
		st.OffPeakAverage = &v
	}
	return st
}
