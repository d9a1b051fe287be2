// Package normalize turns a provider series into the canonical timeline served to callers:
// local time, target currency and unit, VAT applied, split into today, tomorrow and other.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotprice-engine/internal/exchange"
	"spotprice-engine/internal/model"
)

var (
	ErrEmptySeries   = errors.New("series has no points")
	ErrNoTodayPrices = errors.New("no prices for today or tomorrow")
)

var hundred = decimal.NewFromInt(100)

// Input carries one raw series and everything needed to place it on the caller's timeline.
type Input struct {
	Region         string
	Raw            model.RawSeries
	Location       *time.Location
	TargetCurrency string
	// DisplayUnit defaults to kWh.
	DisplayUnit string
	// Subunit reports prices in cents/öre instead of the major unit.
	Subunit   bool
	VATRate   decimal.Decimal
	Reference time.Time
	// LastUpdate stamps the result; zero means Reference.
	LastUpdate time.Time

	ActiveSource     string
	AttemptedSources []string
	FallbackSources  []string
}

// Normalizer is stateless apart from its exchange rate collaborator.
type Normalizer struct {
	converter exchange.Converter
	logger    zerolog.Logger
}

func New(converter exchange.Converter, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		converter: converter,
		logger:    logger.With().Str("component", "normalize").Logger(),
	}
}

// Normalize converts in.Raw into a NormalizedResult. Exchange rate failures are returned
// as errors wrapping exchange.ErrRateUnavailable; nothing is silently left unconverted.
func (n *Normalizer) Normalize(ctx context.Context, in Input) (model.NormalizedResult, error) {
	if len(in.Raw.Points) == 0 {
		return model.NormalizedResult{}, ErrEmptySeries
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	target := strings.ToUpper(strings.TrimSpace(in.TargetCurrency))
	if target == "" {
		target = strings.ToUpper(in.Raw.Currency)
	}
	unit := in.DisplayUnit
	if unit == "" {
		unit = model.UnitKWh
	}

	factor, err := n.factor(ctx, in.Raw, target, unit, in.Subunit, in.VATRate)
	if err != nil {
		return model.NormalizedResult{}, err
	}

	points := make([]model.PricePoint, 0, len(in.Raw.Points))
	for _, rp := range in.Raw.Points {
		if !rp.End.After(rp.Start) {
			return model.NormalizedResult{}, fmt.Errorf("interval at %s has no duration", rp.Start.Format(time.RFC3339))
		}
		points = append(points, model.PricePoint{
			Start:    rp.Start.In(loc),
			End:      rp.End.In(loc),
			Price:    rp.Price.Mul(factor),
			Currency: target,
			Unit:     unit,
		})
	}

	interval := in.Raw.Interval()
	res := model.NormalizedResult{
		Region:           in.Region,
		Currency:         target,
		Unit:             unit,
		Timezone:         loc.String(),
		Interval:         interval,
		ActiveSource:     in.ActiveSource,
		AttemptedSources: nonNil(in.AttemptedSources),
		FallbackSources:  nonNil(in.FallbackSources),
		LastUpdate:       in.LastUpdate,
	}
	if res.LastUpdate.IsZero() {
		res.LastUpdate = in.Reference
	}
	place(&res, points, loc, interval, in.Reference)

	n.logger.Debug().Str("region", in.Region).Str("source", in.ActiveSource).
		Int("today", res.Today.Len()).Int("tomorrow", res.Tomorrow.Len()).Int("other", res.Other.Len()).
		Bool("today_complete", res.TodayStats.CompleteData).Msg("normalized")
	return res, nil
}

// factor folds unit, currency, subunit and VAT conversion into one multiplier.
func (n *Normalizer) factor(ctx context.Context, raw model.RawSeries, target, unit string, subunit bool, vat decimal.Decimal) (decimal.Decimal, error) {
	f, err := model.UnitFactor(raw.Unit, unit)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if !strings.EqualFold(raw.Currency, target) {
		if n.converter == nil {
			return decimal.Decimal{}, fmt.Errorf("%w: no converter for %s to %s", exchange.ErrRateUnavailable, raw.Currency, target)
		}
		rate, err := n.converter.Convert(ctx, decimal.NewFromInt(1), raw.Currency, target)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("convert %s to %s: %w", raw.Currency, target, err)
		}
		f = f.Mul(rate)
	}
	if subunit {
		f = f.Mul(hundred)
	}
	if vat.IsPositive() {
		f = f.Mul(decimal.NewFromInt(1).Add(vat))
	}
	return f, nil
}

// Reanchor recomputes the day split, stats and current/next price of an already normalized
// result for a new reference instant. Prices are not converted again.
func Reanchor(res model.NormalizedResult, reference time.Time) model.NormalizedResult {
	loc, err := time.LoadLocation(res.Timezone)
	if err != nil || res.Timezone == "" {
		loc = time.UTC
	}
	points := res.AllPoints()
	for i := range points {
		points[i].Start = points[i].Start.In(loc)
		points[i].End = points[i].End.In(loc)
	}
	interval := res.Interval
	if interval <= 0 && len(points) > 0 {
		interval = points[0].Duration()
	}
	out := res
	out.AttemptedSources = nonNil(res.AttemptedSources)
	out.FallbackSources = nonNil(res.FallbackSources)
	place(&out, points, loc, interval, reference)
	return out
}

// place partitions points by the local date of reference and fills the derived fields.
func place(res *model.NormalizedResult, points []model.PricePoint, loc *time.Location, interval time.Duration, reference time.Time) {
	ref := reference.In(loc)
	today := localMidnight(ref, loc)
	tomorrow := localMidnight(today.AddDate(0, 0, 1).Add(time.Hour), loc)
	dayAfter := localMidnight(tomorrow.AddDate(0, 0, 1).Add(time.Hour), loc)

	var todayPts, tomorrowPts, otherPts []model.PricePoint
	for _, p := range points {
		switch {
		case !p.Start.Before(today) && p.Start.Before(tomorrow):
			todayPts = append(todayPts, p)
		case !p.Start.Before(tomorrow) && p.Start.Before(dayAfter):
			tomorrowPts = append(tomorrowPts, p)
		default:
			otherPts = append(otherPts, p)
		}
	}

	res.Today = model.NewPriceSeries(todayPts)
	res.Tomorrow = model.NewPriceSeries(tomorrowPts)
	res.Other = model.NewPriceSeries(otherPts)
	res.TodayStats = dayStats(res.Today, today, tomorrow, interval, loc)
	res.TomorrowStats = dayStats(res.Tomorrow, tomorrow, dayAfter, interval, loc)
	res.ReferenceTime = reference
	res.CurrentPrice, res.NextIntervalPrice = currentAndNext(points, ref, interval)

	res.HasData = !res.Today.IsEmpty() || !res.Tomorrow.IsEmpty()
	if !res.HasData && res.Error == "" {
		res.Error = ErrNoTodayPrices.Error()
	}
	if res.HasData && res.Error == ErrNoTodayPrices.Error() {
		res.Error = ""
	}
}

func localMidnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// currentAndNext looks up the interval containing ref and the one right after it.
func currentAndNext(points []model.PricePoint, ref time.Time, interval time.Duration) (*decimal.Decimal, *decimal.Decimal) {
	byStart := make(map[int64]model.PricePoint, len(points))
	var current *model.PricePoint
	for i := range points {
		p := points[i]
		if _, dup := byStart[p.Start.Unix()]; !dup {
			byStart[p.Start.Unix()] = p
		}
		if current == nil && p.Contains(ref) {
			current = &points[i]
		}
	}

	var cur, next *decimal.Decimal
	var nextStart time.Time
	if current != nil {
		v := current.Price
		cur = &v
		nextStart = current.End
	} else if interval > 0 {
		nextStart = ref.Truncate(interval).Add(interval)
	}
	if !nextStart.IsZero() {
		if p, ok := byStart[nextStart.Unix()]; ok {
			v := p.Price
			next = &v
		}
	}
	return cur, next
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
