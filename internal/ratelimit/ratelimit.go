// Package ratelimit decides whether a region may touch the network on this cycle.
// It performs no I/O: every input is passed in.
package ratelimit

import (
	"fmt"
	"time"
)

const (
	// MinIntervalMinutes is the absolute floor between two network fetches.
	MinIntervalMinutes = 15
	// MaxBackoffMinutes caps the failure backoff.
	MaxBackoffMinutes = 45
)

// Decision reasons.
const (
	ReasonFirstFetch   = "first fetch"
	ReasonGracePeriod  = "grace period"
	ReasonFloor        = "minimum interval not reached"
	ReasonBackoff      = "failure backoff active"
	ReasonSpecialHour  = "publication window"
	ReasonInterval     = "configured interval not reached"
	ReasonIntervalDone = "interval elapsed"
)

// Params is the full input of one decision.
type Params struct {
	// LastFetched is the last network fetch; zero means never.
	LastFetched         time.Time
	Now                 time.Time
	ConsecutiveFailures int
	// LastFailure is the last failed cycle; zero means unknown.
	LastFailure     time.Time
	IntervalMinutes int
	InGracePeriod   bool
	// Location is used for the publication window check; nil means UTC.
	Location *time.Location
	// Windows overrides DefaultWindows when non-nil.
	Windows []Window
}

// ShouldSkipFetch applies the rate-limit rules in order and returns whether to skip plus why.
func ShouldSkipFetch(p Params) (bool, string) {
	if p.LastFetched.IsZero() {
		return false, ReasonFirstFetch
	}
	if p.InGracePeriod {
		return false, ReasonGracePeriod
	}

	elapsed := p.Now.Sub(p.LastFetched)
	floor := time.Duration(MinIntervalMinutes) * time.Minute
	if elapsed < floor {
		return true, fmt.Sprintf("%s (%s < %s)", ReasonFloor, elapsed.Round(time.Second), floor)
	}

	if p.ConsecutiveFailures > 0 && !p.LastFailure.IsZero() {
		backoff := Backoff(p.ConsecutiveFailures)
		if since := p.Now.Sub(p.LastFailure); since < backoff {
			return true, fmt.Sprintf("%s (%d failures, %s < %s)", ReasonBackoff, p.ConsecutiveFailures, since.Round(time.Second), backoff)
		}
	}

	windows := p.Windows
	if windows == nil {
		windows = DefaultWindows
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := p.Now.In(loc)
	for _, w := range windows {
		if w.Contains(local) {
			return false, fmt.Sprintf("%s %s", ReasonSpecialHour, w)
		}
	}

	interval := time.Duration(max(MinIntervalMinutes, p.IntervalMinutes)) * time.Minute
	if elapsed < interval {
		return true, fmt.Sprintf("%s (%s < %s)", ReasonInterval, elapsed.Round(time.Second), interval)
	}
	return false, ReasonIntervalDone
}

// Backoff returns min(45, 2^(failures-1) * 15) minutes.
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	minutes := MinIntervalMinutes
	for i := 1; i < failures && minutes < MaxBackoffMinutes; i++ {
		minutes *= 2
	}
	return time.Duration(min(minutes, MaxBackoffMinutes)) * time.Minute
}
