package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome classifies one fetch attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
	OutcomeEmpty   Outcome = "empty"
)

// FetchAttempt records a single bounded call against one source.
type FetchAttempt struct {
	SourceID  string        `json:"source_id"`
	Attempt   int           `json:"attempt"`
	Timeout   time.Duration `json:"timeout"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// FetchResult is the outcome of one fallback run.
type FetchResult struct {
	SourceID         string         `json:"source_id"`
	Raw              RawSeries      `json:"raw"`
	Currency         string         `json:"currency"`
	SourceTimezone   string         `json:"source_timezone"`
	FetchedAt        time.Time      `json:"fetched_at"`
	AttemptedSources []string       `json:"attempted_sources"`
	FallbackSources  []string       `json:"fallback_sources"`
	Attempts         []FetchAttempt `json:"attempts,omitempty"`
	UsingCachedData  bool           `json:"using_cached_data"`
	Err              error          `json:"-"`
}

// HasData reports whether a source produced an adequate series.
func (r FetchResult) HasData() bool {
	return r.Err == nil && r.SourceID != "" && r.Raw.Len() > 0
}

// DayStats aggregates one day window. Values are nil unless CompleteData is true.
type DayStats struct {
	CompleteData   bool             `json:"complete_data"`
	Intervals      int              `json:"intervals"`
	Expected       int              `json:"expected"`
	Min            *decimal.Decimal `json:"min"`
	Max            *decimal.Decimal `json:"max"`
	Average        *decimal.Decimal `json:"average"`
	PeakAverage    *decimal.Decimal `json:"peak_average"`
	OffPeakAverage *decimal.Decimal `json:"off_peak_average"`
	MinAt          *time.Time       `json:"min_at"`
	MaxAt          *time.Time       `json:"max_at"`
}

// NormalizedResult is what the host receives from every fetch cycle.
type NormalizedResult struct {
	Region            string           `json:"region"`
	Currency          string           `json:"currency"`
	Unit              string           `json:"unit"`
	Timezone          string           `json:"timezone"`
	Interval          time.Duration    `json:"interval"`
	CurrentPrice      *decimal.Decimal `json:"current_price"`
	NextIntervalPrice *decimal.Decimal `json:"next_interval_price"`
	Today             PriceSeries      `json:"today"`
	Tomorrow          PriceSeries      `json:"tomorrow"`
	Other             PriceSeries      `json:"other"`
	TodayStats        DayStats         `json:"today_stats"`
	TomorrowStats     DayStats         `json:"tomorrow_stats"`
	ActiveSource      string           `json:"active_source"`
	AttemptedSources  []string         `json:"attempted_sources"`
	FallbackSources   []string         `json:"fallback_sources"`
	UsingCachedData   bool             `json:"using_cached_data"`
	HasData           bool             `json:"has_data"`
	Error             string           `json:"error,omitempty"`
	LastUpdate        time.Time        `json:"last_update"`
	ReferenceTime     time.Time        `json:"reference_time"`
}

// EmptyResult builds the well-formed "no data" answer.
func EmptyResult(region, currency, reason string, now time.Time) NormalizedResult {
	return NormalizedResult{
		Region:           region,
		Currency:         currency,
		AttemptedSources: []string{},
		FallbackSources:  []string{},
		HasData:          false,
		Error:            reason,
		LastUpdate:       now,
		ReferenceTime:    now,
	}
}

// AllPoints returns every interval of the result in chronological order.
func (r NormalizedResult) AllPoints() []PricePoint {
	out := make([]PricePoint, 0, r.Today.Len()+r.Tomorrow.Len()+r.Other.Len())
	out = append(out, r.Other.Points()...)
	out = append(out, r.Today.Points()...)
	out = append(out, r.Tomorrow.Points()...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
