// Package manager runs the fetch cycle of one region: rate check, source selection,
// fallback fetch, normalization and cache, and always answers with a usable result.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/exchange"
	"spotprice-engine/internal/failures"
	"spotprice-engine/internal/fallback"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/normalize"
	"spotprice-engine/internal/ratelimit"
	"spotprice-engine/internal/source"
)

const (
	DefaultIntervalMinutes = 30
	DefaultGracePeriod     = 5 * time.Minute
)

// State is the position of the manager in its fetch cycle.
type State string

const (
	StateIdle         State = "idle"
	StateRateCheck    State = "rate_check"
	StateCacheRead    State = "cache_read"
	StateFetching     State = "fetching"
	StateNormalizing  State = "normalizing"
	StateCachedUpdate State = "cached_update"
	StateDone         State = "done"
)

// ErrUnknownSource is returned by New when the priority list names an adapter that was not supplied.
var ErrUnknownSource = errors.New("unknown source")

type Options struct {
	Region model.RegionConfig
	// Adapters by source id; the region priority picks from them.
	Adapters map[string]source.Adapter
	// Cache may be shared between regions; entries are keyed by region.
	Cache *cache.Cache
	// Tracker is owned by this manager; nil creates one.
	Tracker   *failures.Tracker
	Fallback  fallback.Options
	Converter exchange.Converter
	Clock     clock.Clock

	IntervalMinutes int
	GracePeriod     time.Duration
	Windows         []ratelimit.Window
}

// Status is a diagnostic snapshot of a manager.
type Status struct {
	Region              string            `json:"region"`
	State               State             `json:"state"`
	LastFetched         time.Time         `json:"last_fetched"`
	LastFailure         time.Time         `json:"last_failure"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Sources             []failures.Record `json:"sources"`
}

type Manager struct {
	opts      Options
	loc       *time.Location
	cache     *cache.Cache
	tracker   *failures.Tracker
	orch      *fallback.Orchestrator
	norm      *normalize.Normalizer
	clock     clock.Clock
	startedAt time.Time
	logger    zerolog.Logger
	group     singleflight.Group

	mu                  sync.Mutex
	state               State
	lastFetched         time.Time
	lastFailure         time.Time
	consecutiveFailures int
}

// New validates the region configuration and wires the pipeline. It is the only
// place a configuration error can surface.
func New(opts Options, logger zerolog.Logger) (*Manager, error) {
	if err := opts.Region.Validate(); err != nil {
		return nil, err
	}
	loc, err := opts.Region.Location()
	if err != nil {
		return nil, err
	}
	for _, id := range opts.Region.SourcePriority {
		if _, ok := opts.Adapters[id]; !ok {
			return nil, fmt.Errorf("region %s: %w %q", opts.Region.ID, ErrUnknownSource, id)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IntervalMinutes <= 0 {
		opts.IntervalMinutes = DefaultIntervalMinutes
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	} else if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	log := logger.With().Str("component", "manager").Str("region", opts.Region.ID).Logger()

	c := opts.Cache
	if c == nil {
		c = cache.New(cache.Options{Clock: opts.Clock}, logger)
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = failures.New(failures.Options{})
	}
	fopts := opts.Fallback
	fopts.Recorder = tracker
	fopts.Clock = opts.Clock

	return &Manager{
		opts:      opts,
		loc:       loc,
		cache:     c,
		tracker:   tracker,
		orch:      fallback.New(fopts, logger),
		norm:      normalize.New(opts.Converter, logger),
		clock:     opts.Clock,
		startedAt: opts.Clock.Now(),
		logger:    log,
		state:     StateIdle,
	}, nil
}

// Region returns the managed region configuration.
func (m *Manager) Region() model.RegionConfig {
	return m.opts.Region
}

// State returns the current cycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Status returns counters and source health.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Region:              m.opts.Region.ID,
		State:               m.state,
		LastFetched:         m.lastFetched,
		LastFailure:         m.lastFailure,
		ConsecutiveFailures: m.consecutiveFailures,
	}
	m.mu.Unlock()
	st.Sources = m.tracker.Snapshot()
	return st
}

// Fetch runs one cycle. Concurrent calls for the region share a single cycle. The
// result is always well formed; failures are reported through HasData and Error.
func (m *Manager) Fetch(ctx context.Context, force bool) model.NormalizedResult {
	v, _, _ := m.group.Do(m.opts.Region.ID, func() (any, error) {
		return m.cycle(ctx, force), nil
	})
	return v.(model.NormalizedResult)
}

func (m *Manager) cycle(ctx context.Context, force bool) (res model.NormalizedResult) {
	region, currency := m.opts.Region.ID, m.opts.Region.Currency
	now := m.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("fetch cycle panicked")
			res = model.EmptyResult(region, currency, fmt.Sprintf("internal error: %v", r), now)
		}
		m.setState(StateIdle)
	}()

	if !force {
		m.setState(StateRateCheck)
		if skip, reason := m.shouldSkip(now); skip {
			return m.serveSkipped(now, reason)
		}
	}

	m.setState(StateFetching)
	ids := m.candidates(now)
	adapters := make([]source.Adapter, 0, len(ids))
	for _, id := range ids {
		adapters = append(adapters, m.opts.Adapters[id])
	}

	m.mu.Lock()
	m.lastFetched = now
	m.mu.Unlock()

	// adapters derive the local days to request from the reference's location
	fr := m.orch.FetchWithFallback(ctx, adapters, region, now.In(m.loc))
	if !fr.HasData() {
		err := fr.Err
		if err == nil {
			err = errors.New("no data returned")
		}
		return m.serveFailure(now, fr, err)
	}

	m.setState(StateNormalizing)
	out, err := m.norm.Normalize(ctx, normalize.Input{
		Region:           region,
		Raw:              fr.Raw,
		Location:         m.loc,
		TargetCurrency:   currency,
		DisplayUnit:      m.opts.Region.DisplayUnit,
		Subunit:          m.opts.Region.Subunit,
		VATRate:          m.opts.Region.VATRate,
		Reference:        now,
		LastUpdate:       now,
		ActiveSource:     fr.SourceID,
		AttemptedSources: fr.AttemptedSources,
		FallbackSources:  fr.FallbackSources,
	})
	if err != nil {
		return m.serveFailure(now, fr, fmt.Errorf("normalize %s data: %w", fr.SourceID, err))
	}
	if !out.HasData {
		return m.serveFailure(now, fr, fmt.Errorf("%s: %w", fr.SourceID, normalize.ErrNoTodayPrices))
	}

	m.setState(StateCachedUpdate)
	m.cache.Put(region, currency, out, now)

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
	m.setState(StateDone)

	m.logger.Info().Str("source", fr.SourceID).Strs("fallback", fr.FallbackSources).
		Int("today", out.Today.Len()).Int("tomorrow", out.Tomorrow.Len()).Msg("prices updated")
	return out
}

func (m *Manager) shouldSkip(now time.Time) (bool, string) {
	m.mu.Lock()
	p := ratelimit.Params{
		LastFetched:         m.lastFetched,
		Now:                 now,
		ConsecutiveFailures: m.consecutiveFailures,
		LastFailure:         m.lastFailure,
		IntervalMinutes:     m.opts.IntervalMinutes,
		InGracePeriod:       now.Before(m.startedAt.Add(m.opts.GracePeriod)),
		Location:            m.loc,
		Windows:             m.opts.Windows,
	}
	m.mu.Unlock()
	return ratelimit.ShouldSkipFetch(p)
}

// serveSkipped answers a rate-limited cycle from cache. Only a skip with nothing cached
// counts as a failure, and it does not move the backoff anchor.
func (m *Manager) serveSkipped(now time.Time, reason string) model.NormalizedResult {
	region, currency := m.opts.Region.ID, m.opts.Region.Currency
	m.setState(StateCacheRead)
	if entry, ok := m.cache.Get(region, currency, 0); ok {
		res := normalize.Reanchor(entry.Data, now)
		res.UsingCachedData = true
		m.logger.Debug().Str("reason", reason).Dur("age", entry.Age(now)).Msg("fetch skipped, serving cache")
		return res
	}

	m.mu.Lock()
	m.consecutiveFailures++
	m.mu.Unlock()
	m.logger.Warn().Str("reason", reason).Msg("fetch skipped with no cached data")
	return model.EmptyResult(region, currency, "rate limited: "+reason+"; no cached data", now)
}

// serveFailure falls back to any cached entry within the TTL.
func (m *Manager) serveFailure(now time.Time, fr model.FetchResult, cause error) model.NormalizedResult {
	region, currency := m.opts.Region.ID, m.opts.Region.Currency

	m.mu.Lock()
	m.consecutiveFailures++
	m.lastFailure = now
	count := m.consecutiveFailures
	m.mu.Unlock()

	m.setState(StateCacheRead)
	if entry, ok := m.cache.Get(region, currency, 0); ok {
		res := normalize.Reanchor(entry.Data, now)
		res.UsingCachedData = true
		res.AttemptedSources = nonNil(fr.AttemptedSources)
		res.FallbackSources = nonNil(fr.FallbackSources)
		res.Error = cause.Error()
		m.logger.Warn().Err(cause).Int("consecutive_failures", count).Dur("age", entry.Age(now)).
			Msg("fetch failed, serving cache")
		return res
	}

	m.logger.Error().Err(cause).Int("consecutive_failures", count).Msg("fetch failed with no cached data")
	res := model.EmptyResult(region, currency, cause.Error(), now)
	res.AttemptedSources = nonNil(fr.AttemptedSources)
	res.FallbackSources = nonNil(fr.FallbackSources)
	return res
}

// candidates orders the configured sources for this cycle. Once per validation interval
// the plain priority order is used so that deprioritised sources are tried again.
func (m *Manager) candidates(now time.Time) []string {
	priority := m.opts.Region.SourcePriority
	if m.tracker.ValidationDue(now) {
		m.tracker.MarkValidated(now)
		ids := m.tracker.ValidationOrder(priority)
		m.logger.Info().Strs("sources", ids).Msg("daily source validation")
		return ids
	}
	if !m.tracker.Validated() {
		m.tracker.MarkValidated(now)
	}
	return m.tracker.Order(priority, now)
}

// ClearCache drops the cached entries of region. Other regions are not touched.
func (m *Manager) ClearCache(region string) bool {
	if region == "" {
		region = m.opts.Region.ID
	}
	if region != m.opts.Region.ID {
		return false
	}
	return m.cache.Clear(region)
}

// CacheStats reports the cache entries that belong to this region.
func (m *Manager) CacheStats() cache.Stats {
	all := m.cache.Stats()
	out := cache.Stats{Ages: make(map[string]time.Duration)}
	prefix := m.opts.Region.ID + "/"
	for k, age := range all.Ages {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out.Ages[k] = age
		out.Entries++
		if age > out.Oldest {
			out.Oldest = age
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
