package fallback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/source"
)

const (
	DefaultAttempts         = 3
	DefaultBaseTimeout      = 2 * time.Second
	DefaultMultiplier       = 3.0
	DefaultRateLimitBackoff = time.Second
	DefaultMaxBackoff       = time.Minute
	DefaultMinIntervals     = 1
)

var (
	// ErrNoSources is reported when a region has no candidate sources left.
	ErrNoSources = errors.New("no sources to try")
	// ErrAllSourcesFailed wraps the last source error after every candidate was exhausted.
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrInsufficientCoverage marks a parsed series shorter than the source minimum.
	ErrInsufficientCoverage = errors.New("insufficient coverage")
)

// Recorder receives per-source outcomes. *failures.Tracker satisfies it.
type Recorder interface {
	MarkFailed(sourceID string, now time.Time)
	MarkSucceeded(sourceID string)
	Disable(sourceID, reason string)
}

// Observer is notified of every attempt and of the final result of a run.
type Observer interface {
	ObserveAttempt(region string, attempt model.FetchAttempt)
	ObserveResult(region string, result model.FetchResult)
}

// Options controls the retry schedule.
type Options struct {
	Attempts         int
	BaseTimeout      time.Duration
	Multiplier       float64
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
	// MinIntervals is the per-source minimum number of parsed intervals for a result to count.
	MinIntervals map[string]int
	Recorder     Recorder
	Observer     Observer
	Clock        clock.Clock
	// Sleep waits between rate-limited attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator walks an ordered source list and returns the first adequate series.
type Orchestrator struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = DefaultMultiplier
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger.With().Str("component", "fallback").Logger(),
	}
}

// AttemptTimeouts returns the per-attempt deadline schedule applied to every source.
func (o *Orchestrator) AttemptTimeouts() []time.Duration {
	out := make([]time.Duration, o.opts.Attempts)
	for i := range out {
		out[i] = o.scaled(o.opts.BaseTimeout, i)
	}
	return out
}

func (o *Orchestrator) scaled(base time.Duration, i int) time.Duration {
	return time.Duration(float64(base) * math.Pow(o.opts.Multiplier, float64(i)))
}

func (o *Orchestrator) minIntervals(sourceID string) int {
	if n, ok := o.opts.MinIntervals[sourceID]; ok && n > 0 {
		return n
	}
	return DefaultMinIntervals
}

// FetchWithFallback tries sources strictly in order. Adapter errors never escape;
// a total failure is reported through FetchResult.Err with the attempted sources filled in.
func (o *Orchestrator) FetchWithFallback(ctx context.Context, sources []source.Adapter, region string, reference time.Time) model.FetchResult {
	result := model.FetchResult{AttemptedSources: []string{}, FallbackSources: []string{}}
	if len(sources) == 0 {
		result.Err = ErrNoSources
		o.observe(region, result)
		return result
	}

	log := o.logger.With().Str("region", region).Logger()
	var lastErr error
	for _, adapter := range sources {
		id := adapter.ID()
		result.AttemptedSources = append(result.AttemptedSources, id)

		series, fetchedAt, attempts, err := o.trySource(ctx, adapter, region, reference)
		result.Attempts = append(result.Attempts, attempts...)
		if err == nil {
			if o.opts.Recorder != nil {
				o.opts.Recorder.MarkSucceeded(id)
			}
			result.SourceID = id
			result.Raw = series
			result.Currency = series.Currency
			result.SourceTimezone = series.Timezone
			result.FetchedAt = fetchedAt
			result.FallbackSources = append(result.FallbackSources, result.AttemptedSources[:len(result.AttemptedSources)-1]...)
			log.Info().Str("source", id).Int("intervals", series.Len()).
				Strs("fallback", result.FallbackSources).Msg("source accepted")
			o.observe(region, result)
			return result
		}

		lastErr = err
		now := o.opts.Clock.Now()
		if o.opts.Recorder != nil {
			switch source.KindOf(err) {
			case source.KindRateLimited:
				// throttling keeps the source's place in the order
			case source.KindAuthentication:
				o.opts.Recorder.MarkFailed(id, now)
				o.opts.Recorder.Disable(id, err.Error())
			default:
				o.opts.Recorder.MarkFailed(id, now)
			}
		}
		log.Warn().Err(err).Str("source", id).Str("kind", string(source.KindOf(err))).Msg("source failed")

		if ctx.Err() != nil {
			break
		}
	}

	result.FallbackSources = append(result.FallbackSources, result.AttemptedSources...)
	result.Err = fmt.Errorf("%w (%s): %w", ErrAllSourcesFailed, strings.Join(result.AttemptedSources, ", "), lastErr)
	o.observe(region, result)
	return result
}

func (o *Orchestrator) observe(region string, result model.FetchResult) {
	if o.opts.Observer != nil {
		o.opts.Observer.ObserveResult(region, result)
	}
}

// trySource runs the attempt schedule against one adapter and decides when to give up on it.
func (o *Orchestrator) trySource(ctx context.Context, adapter source.Adapter, region string, reference time.Time) (model.RawSeries, time.Time, []model.FetchAttempt, error) {
	id := adapter.ID()
	var attempts []model.FetchAttempt
	var lastErr error

	for i := 0; i < o.opts.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return model.RawSeries{}, time.Time{}, attempts, source.NewError(source.KindTimeout, id, err)
		}

		timeout := o.scaled(o.opts.BaseTimeout, i)
		started := time.Now()
		series, fetchedAt, err := o.attempt(ctx, adapter, region, reference, timeout)
		rec := model.FetchAttempt{
			SourceID: id,
			Attempt:  i + 1,
			Timeout:  timeout,
			Outcome:  outcomeOf(err),
			Elapsed:  time.Since(started),
		}
		if err != nil {
			rec.ErrorKind = string(source.KindOf(err))
			rec.Error = err.Error()
		}
		attempts = append(attempts, rec)
		if o.opts.Observer != nil {
			o.opts.Observer.ObserveAttempt(region, rec)
		}
		o.logger.Debug().Str("region", region).Str("source", id).Int("attempt", i+1).
			Dur("timeout", timeout).Str("outcome", string(rec.Outcome)).Err(err).Msg("fetch attempt")

		if err == nil {
			return series, fetchedAt, attempts, nil
		}
		lastErr = err

		switch source.KindOf(err) {
		case source.KindTimeout, source.KindTransport:
			continue
		case source.KindRateLimited:
			wait := source.RetryAfter(err)
			if wait <= 0 {
				wait = o.scaled(o.opts.RateLimitBackoff, i)
			}
			if wait > o.opts.MaxBackoff {
				wait = o.opts.MaxBackoff
			}
			if i+1 < o.opts.Attempts {
				if serr := o.opts.Sleep(ctx, wait); serr != nil {
					return model.RawSeries{}, time.Time{}, attempts, source.NewError(source.KindTimeout, id, serr)
				}
			}
			continue
		default:
			// data format, no data, authentication and unclassified errors end this source
			return model.RawSeries{}, time.Time{}, attempts, err
		}
	}
	return model.RawSeries{}, time.Time{}, attempts, lastErr
}

type fetched struct {
	payload source.RawPayload
	err     error
}

// attempt bounds one FetchRaw call by its own deadline. An adapter that ignores
// the context is abandoned; its late result lands in a buffered channel nobody reads.
func (o *Orchestrator) attempt(ctx context.Context, adapter source.Adapter, region string, reference time.Time, timeout time.Duration) (model.RawSeries, time.Time, error) {
	id := adapter.ID()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan fetched, 1)
	go func() {
		p, err := adapter.FetchRaw(actx, region, reference)
		ch <- fetched{payload: p, err: err}
	}()

	var f fetched
	select {
	case f = <-ch:
	case <-actx.Done():
		return model.RawSeries{}, time.Time{}, source.NewError(source.KindTimeout, id, fmt.Errorf("attempt exceeded %s: %w", timeout, actx.Err()))
	}
	if f.err != nil {
		if actx.Err() != nil && source.KindOf(f.err) == source.KindUnknown {
			return model.RawSeries{}, time.Time{}, source.NewError(source.KindTimeout, id, f.err)
		}
		return model.RawSeries{}, time.Time{}, f.err
	}
	if f.payload.Empty() {
		return model.RawSeries{}, time.Time{}, source.Errorf(source.KindNoData, id, "empty payload")
	}

	series, err := adapter.Parse(f.payload)
	if err != nil {
		if source.KindOf(err) == source.KindUnknown {
			return model.RawSeries{}, time.Time{}, source.NewError(source.KindDataFormat, id, err)
		}
		return model.RawSeries{}, time.Time{}, err
	}
	if err := validateSeries(series); err != nil {
		return model.RawSeries{}, time.Time{}, source.NewError(source.KindDataFormat, id, err)
	}
	if need := o.minIntervals(id); series.Len() < need {
		return model.RawSeries{}, time.Time{}, source.NewError(source.KindNoData, id,
			fmt.Errorf("%w: %d of %d intervals", ErrInsufficientCoverage, series.Len(), need))
	}

	fetchedAt := f.payload.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = o.opts.Clock.Now()
	}
	return series, fetchedAt, nil
}

func validateSeries(s model.RawSeries) error {
	if strings.TrimSpace(s.Currency) == "" {
		return errors.New("series has no currency")
	}
	if _, err := model.UnitFactor(s.Unit, model.UnitMWh); err != nil {
		return err
	}
	for _, p := range s.Points {
		if !p.End.After(p.Start) {
			return fmt.Errorf("interval at %s has no duration", p.Start.Format(time.RFC3339))
		}
	}
	return nil
}

func outcomeOf(err error) model.Outcome {
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case source.KindOf(err) == source.KindTimeout:
		return model.OutcomeTimeout
	case source.KindOf(err) == source.KindNoData:
		return model.OutcomeEmpty
	default:
		return model.OutcomeError
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
