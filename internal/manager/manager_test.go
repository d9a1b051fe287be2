package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/exchange"
	"spotprice-engine/internal/failures"
	"spotprice-engine/internal/fallback"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/source"
)

var stockholm = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		panic(err)
	}
	return loc
}()

// t0 is 10:00 local, outside both publication windows.
var t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, stockholm)

type fakeAdapter struct {
	id string

	mu    sync.Mutex
	calls int
	fail  error
	hang  bool
	gate  chan struct{}
	enter chan struct{}
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) FetchRaw(ctx context.Context, region string, ref time.Time) (source.RawPayload, error) {
	f.mu.Lock()
	f.calls++
	fail, hang, gate, enter := f.fail, f.hang, f.gate, f.enter
	f.mu.Unlock()

	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if hang {
		<-ctx.Done()
		return source.RawPayload{}, ctx.Err()
	}
	if fail != nil {
		return source.RawPayload{}, fail
	}
	return source.RawPayload{SourceID: f.id, Region: region, Reference: ref, Parts: [][]byte{[]byte("{}")}, FetchedAt: ref}, nil
}

// Parse returns 24 EUR/MWh hourly prices 40..63 for the local day of t0.
func (f *fakeAdapter) Parse(source.RawPayload) (model.RawSeries, error) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, stockholm)
	out := model.RawSeries{Currency: "EUR", Unit: model.UnitMWh, Timezone: "UTC"}
	for i := 0; i < 24; i++ {
		s := day.Add(time.Duration(i) * time.Hour).UTC()
		out.Points = append(out.Points, model.RawPoint{Start: s, End: s.Add(time.Hour), Price: decimal.NewFromInt(int64(40 + i))})
	}
	return out, nil
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) set(fn func(*fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fixture struct {
	clk     *clock.Manual
	cache   *cache.Cache
	tracker *failures.Tracker
	mgr     *Manager
}

func newFixture(t *testing.T, grace time.Duration, adapters ...*fakeAdapter) fixture {
	t.Helper()
	return newFixtureWithTimeout(t, grace, 5*time.Millisecond, adapters...)
}

func newFixtureWithTimeout(t *testing.T, grace, baseTimeout time.Duration, adapters ...*fakeAdapter) fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	c := cache.New(cache.Options{Clock: clk}, zerolog.Nop())
	tracker := failures.New(failures.Options{Window: 48 * time.Hour})

	byID := make(map[string]source.Adapter, len(adapters))
	priority := make([]string, 0, len(adapters))
	for _, a := range adapters {
		byID[a.id] = a
		priority = append(priority, a.id)
	}

	m, err := New(Options{
		Region: model.RegionConfig{
			ID:             "SE3",
			Currency:       "SEK",
			Timezone:       "Europe/Stockholm",
			SourcePriority: priority,
			DisplayUnit:    model.UnitMWh,
		},
		Adapters:    byID,
		Cache:       c,
		Tracker:     tracker,
		Fallback:    fallback.Options{BaseTimeout: baseTimeout, Sleep: func(context.Context, time.Duration) error { return nil }},
		Converter:   exchange.NewStatic("EUR", map[string]decimal.Decimal{"SEK": decimal.RequireFromString("11.5")}),
		Clock:       clk,
		GracePeriod: grace,
	}, zerolog.Nop())
	require.NoError(t, err)
	return fixture{clk: clk, cache: c, tracker: tracker, mgr: m}
}

func TestSE3FallsBackToEnergyCharts(t *testing.T) {
	nordpool := &fakeAdapter{id: "nordpool", hang: true}
	energycharts := &fakeAdapter{id: "energycharts"}
	f := newFixture(t, -1, nordpool, energycharts)

	res := f.mgr.Fetch(context.Background(), false)

	require.True(t, res.HasData, res.Error)
	assert.Equal(t, "energycharts", res.ActiveSource)
	assert.Equal(t, []string{"nordpool"}, res.FallbackSources)
	assert.Equal(t, []string{"nordpool", "energycharts"}, res.AttemptedSources)
	assert.Equal(t, 3, nordpool.Calls())
	assert.Equal(t, 24, res.Today.Len())
	for i, p := range res.Today.Points() {
		want := decimal.NewFromInt(int64(40 + i)).Mul(decimal.RequireFromString("11.5"))
		assert.True(t, p.Price.Equal(want), "interval %d", i)
	}
	require.NotNil(t, res.CurrentPrice)
	assert.True(t, res.CurrentPrice.Equal(decimal.NewFromInt(50).Mul(decimal.RequireFromString("11.5"))))
	assert.False(t, res.UsingCachedData)
	assert.Equal(t, StateIdle, f.mgr.State())
}

func TestTotalFailureServesCacheWithoutMutatingIt(t *testing.T) {
	primary := &fakeAdapter{id: "nordpool"}
	f := newFixture(t, -1, primary)

	first := f.mgr.Fetch(context.Background(), false)
	require.True(t, first.HasData)
	before, ok := f.cache.Get("SE3", "SEK", 0)
	require.True(t, ok)

	primary.set(func(a *fakeAdapter) { a.fail = source.Errorf(source.KindTransport, "nordpool", "connection refused") })
	f.clk.Advance(time.Hour)
	res := f.mgr.Fetch(context.Background(), true)

	assert.True(t, res.HasData)
	assert.True(t, res.UsingCachedData)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, []string{"nordpool"}, res.FallbackSources)
	assert.Equal(t, first.Today.Len(), res.Today.Len())
	require.NotNil(t, res.CurrentPrice)
	assert.True(t, res.CurrentPrice.Equal(decimal.NewFromInt(51).Mul(decimal.RequireFromString("11.5"))), "current price follows the clock")

	after, ok := f.cache.Get("SE3", "SEK", 0)
	require.True(t, ok)
	assert.Equal(t, before.Timestamp, after.Timestamp)
	assert.False(t, after.Data.UsingCachedData)
	assert.Empty(t, after.Data.Error)
	assert.Equal(t, 1, f.mgr.Status().ConsecutiveFailures)
}

func TestTotalFailureWithoutCache(t *testing.T) {
	a := &fakeAdapter{id: "nordpool", fail: source.Errorf(source.KindDataFormat, "nordpool", "bad json")}
	b := &fakeAdapter{id: "entsoe", fail: source.Errorf(source.KindNoData, "entsoe", "no document")}
	f := newFixture(t, -1, a, b)

	res := f.mgr.Fetch(context.Background(), false)

	assert.False(t, res.HasData)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, []string{"nordpool", "entsoe"}, res.AttemptedSources)
	assert.Equal(t, []string{"nordpool", "entsoe"}, res.FallbackSources)
	assert.Nil(t, res.CurrentPrice)
	st := f.mgr.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.True(t, st.LastFailure.Equal(t0))
}

func TestRateLimitedCycleServesCache(t *testing.T) {
	a := &fakeAdapter{id: "nordpool"}
	f := newFixture(t, -1, a)

	require.True(t, f.mgr.Fetch(context.Background(), false).HasData)
	f.clk.Advance(5 * time.Minute)

	res := f.mgr.Fetch(context.Background(), false)
	assert.True(t, res.HasData)
	assert.True(t, res.UsingCachedData)
	assert.Equal(t, 1, a.Calls(), "floor blocks the network")
	assert.Zero(t, f.mgr.Status().ConsecutiveFailures)

	res = f.mgr.Fetch(context.Background(), true)
	assert.False(t, res.UsingCachedData)
	assert.Equal(t, 2, a.Calls(), "force bypasses the rate limiter")
}

func TestRateLimitedWithoutCacheCountsFailure(t *testing.T) {
	a := &fakeAdapter{id: "nordpool", fail: source.Errorf(source.KindDataFormat, "nordpool", "bad")}
	f := newFixture(t, -1, a)

	f.mgr.Fetch(context.Background(), false)
	require.Equal(t, 1, f.mgr.Status().ConsecutiveFailures)

	f.clk.Advance(5 * time.Minute)
	res := f.mgr.Fetch(context.Background(), false)

	assert.False(t, res.HasData)
	assert.Contains(t, res.Error, "rate limited")
	assert.Equal(t, 1, a.Calls())
	st := f.mgr.Status()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.True(t, st.LastFailure.Equal(t0), "a skip does not move the failure anchor")
}

func TestGracePeriodAllowsImmediateRetry(t *testing.T) {
	a := &fakeAdapter{id: "nordpool"}
	f := newFixture(t, 0, a)

	f.mgr.Fetch(context.Background(), false)
	f.clk.Advance(time.Minute)
	f.mgr.Fetch(context.Background(), false)
	assert.Equal(t, 2, a.Calls())

	f.clk.Advance(5 * time.Minute)
	f.mgr.Fetch(context.Background(), false)
	assert.Equal(t, 2, a.Calls(), "after the grace period the floor applies")
}

func TestConcurrentFetchesShareOneCycle(t *testing.T) {
	a := &fakeAdapter{id: "nordpool", gate: make(chan struct{}), enter: make(chan struct{}, 4)}
	f := newFixtureWithTimeout(t, -1, 5*time.Second, a)

	var wg sync.WaitGroup
	results := make([]model.NormalizedResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = f.mgr.Fetch(context.Background(), true)
	}()
	<-a.enter

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = f.mgr.Fetch(context.Background(), true)
	}()
	time.Sleep(50 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	assert.Equal(t, 1, a.Calls())
	assert.True(t, results[0].HasData)
	assert.True(t, results[1].HasData)
}

func TestAuthenticationFailureDisablesSourceForGood(t *testing.T) {
	entsoe := &fakeAdapter{id: "entsoe", fail: source.Errorf(source.KindAuthentication, "entsoe", "http 401")}
	nordpool := &fakeAdapter{id: "nordpool"}
	f := newFixture(t, -1, entsoe, nordpool)

	require.True(t, f.mgr.Fetch(context.Background(), true).HasData)
	f.clk.Advance(49 * time.Hour)
	res := f.mgr.Fetch(context.Background(), true)

	assert.Equal(t, 1, entsoe.Calls())
	assert.Equal(t, []string{"nordpool"}, res.AttemptedSources)
	assert.True(t, f.tracker.IsDisabled("entsoe"))
}

func TestRecentlyFailedSourceIsTriedLastUntilValidation(t *testing.T) {
	a := &fakeAdapter{id: "nordpool", fail: source.Errorf(source.KindDataFormat, "nordpool", "bad")}
	b := &fakeAdapter{id: "energycharts"}
	f := newFixture(t, -1, a, b)

	f.mgr.Fetch(context.Background(), true)
	require.Equal(t, 1, a.Calls())
	a.set(func(x *fakeAdapter) { x.fail = nil })

	f.clk.Advance(time.Hour)
	res := f.mgr.Fetch(context.Background(), true)
	assert.Equal(t, "energycharts", res.ActiveSource)
	assert.Equal(t, 1, a.Calls(), "recently failed source is ordered after a healthy one")

	f.clk.Advance(24 * time.Hour)
	res = f.mgr.Fetch(context.Background(), true)
	assert.Equal(t, "nordpool", res.ActiveSource, "daily validation uses plain priority")
	assert.Equal(t, 2, a.Calls())
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	_, err := New(Options{Region: model.RegionConfig{ID: "DE", Currency: "EUR"}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{
		Region:   model.RegionConfig{ID: "DE", Currency: "EUR", SourcePriority: []string{"energycharts"}},
		Adapters: map[string]source.Adapter{},
	}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestClearCacheAndStats(t *testing.T) {
	f := newFixture(t, -1, &fakeAdapter{id: "nordpool"})
	f.mgr.Fetch(context.Background(), false)
	f.cache.Put("FI", "EUR", model.NormalizedResult{Region: "FI"}, t0)

	st := f.mgr.CacheStats()
	assert.Equal(t, 1, st.Entries)
	_, ok := st.Ages["SE3/SEK"]
	assert.True(t, ok)

	assert.False(t, f.mgr.ClearCache("FI"))
	assert.True(t, f.mgr.ClearCache("SE3"))
	assert.Zero(t, f.mgr.CacheStats().Entries)
	assert.Equal(t, 1, f.cache.Stats().Entries)
}
