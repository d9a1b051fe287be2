package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotprice-engine/internal/alerting"
	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/failures"
	"spotprice-engine/internal/manager"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/storage"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type scriptedRegion struct {
	cfg      model.RegionConfig
	mu       sync.Mutex
	results  []model.NormalizedResult
	failures []int
	calls    int
	forced   []bool
}

func (r *scriptedRegion) Region() model.RegionConfig { return r.cfg }

func (r *scriptedRegion) Fetch(_ context.Context, force bool) model.NormalizedResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[min(r.calls, len(r.results)-1)]
	r.calls++
	r.forced = append(r.forced, force)
	return res
}

func (r *scriptedRegion) Status() manager.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := min(r.calls, len(r.failures)) - 1
	count := 0
	if idx >= 0 {
		count = r.failures[idx]
	}
	return manager.Status{
		Region:              r.cfg.ID,
		ConsecutiveFailures: count,
		Sources:             []failures.Record{{SourceID: "entsoe", Disabled: true}},
	}
}

type memStore struct {
	mu      sync.Mutex
	prices  []storage.PriceRecord
	cycles  []storage.FetchCycle
	alerts  []storage.AlertRecord
	pruned  []time.Time
	failErr error
}

func (m *memStore) UpsertPrices(_ context.Context, records []storage.PriceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.prices = append(m.prices, records...)
	return nil
}

func (m *memStore) ListPricesBetween(context.Context, string, time.Time, time.Time) ([]storage.PriceRecord, error) {
	return nil, nil
}

func (m *memStore) CountPrices(context.Context, string) (int64, error) { return 0, nil }

func (m *memStore) InsertFetchCycle(_ context.Context, c storage.FetchCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, c)
	return nil
}

func (m *memStore) ListRecentCycles(context.Context, string, int) ([]storage.FetchCycle, error) {
	return nil, nil
}

func (m *memStore) DeleteCyclesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, olderThan)
	return 2, nil
}

func (m *memStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return a, nil
}

func (m *memStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	cycles   []model.NormalizedResult
	disabled map[string]bool
	entries  int
}

func (o *recordingObserver) ObserveCycle(res model.NormalizedResult, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles = append(o.cycles, res)
}

func (o *recordingObserver) SetSourceDisabled(id string, disabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disabled == nil {
		o.disabled = make(map[string]bool)
	}
	o.disabled[id] = disabled
}

func (o *recordingObserver) SetCacheEntries(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = n
}

type stubLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func freshResult(region string) model.NormalizedResult {
	start := t0.Truncate(time.Hour)
	points := []model.PricePoint{
		{Start: start, End: start.Add(time.Hour), Price: decimal.NewFromInt(42), Currency: "EUR", Unit: model.UnitKWh},
		{Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Price: decimal.NewFromInt(43), Currency: "EUR", Unit: model.UnitKWh},
	}
	price := decimal.NewFromInt(42)
	return model.NormalizedResult{
		Region:           region,
		Currency:         "EUR",
		Unit:             model.UnitKWh,
		Today:            model.NewPriceSeries(points),
		CurrentPrice:     &price,
		ActiveSource:     "energycharts",
		AttemptedSources: []string{"energycharts"},
		FallbackSources:  []string{},
		HasData:          true,
		LastUpdate:       t0,
	}
}

type fixture struct {
	svc      *Service
	store    *memStore
	notifier *recordingNotifier
	observer *recordingObserver
}

func newFixture(regions []Region, locker *stubLocker) fixture {
	store := &memStore{}
	notifier := &recordingNotifier{}
	observer := &recordingObserver{}
	opts := Options{
		Prices:   store,
		Cycles:   store,
		Alerts:   store,
		Notifier: notifier,
		Watcher:  alerting.NewWatcher(alerting.WatcherOptions{FailureThreshold: 2, Channels: []string{"telegram"}}),
		Observer: observer,
		Clock:    clock.NewManual(t0),
	}
	if locker != nil {
		opts.Locker = locker
		opts.LockKey = 42
	}
	return fixture{
		svc:      New(opts, regions, zerolog.Nop()),
		store:    store,
		notifier: notifier,
		observer: observer,
	}
}

func TestProcessBucketPersistsEveryRegion(t *testing.T) {
	de := &scriptedRegion{cfg: model.RegionConfig{ID: "DE"}, results: []model.NormalizedResult{freshResult("DE")}, failures: []int{0}}
	fr := &scriptedRegion{cfg: model.RegionConfig{ID: "FR"}, results: []model.NormalizedResult{freshResult("FR")}, failures: []int{0}}
	f := newFixture([]Region{de, fr}, nil)

	require.NoError(t, f.svc.ProcessBucket(context.Background(), t0))

	assert.Len(t, f.store.prices, 4)
	assert.Len(t, f.store.cycles, 2)
	assert.Empty(t, f.notifier.notes)
	assert.Len(t, f.observer.cycles, 2)
	assert.True(t, f.observer.disabled["entsoe"])
	assert.Equal(t, []bool{false}, de.forced)
}

func TestCachedResultRecordsCycleOnly(t *testing.T) {
	cached := freshResult("DE")
	cached.UsingCachedData = true
	cached.Error = "all sources failed"
	de := &scriptedRegion{cfg: model.RegionConfig{ID: "DE"}, results: []model.NormalizedResult{cached}, failures: []int{1}}
	f := newFixture([]Region{de}, nil)

	f.svc.RunCycle(context.Background(), de, true)

	assert.Empty(t, f.store.prices)
	require.Len(t, f.store.cycles, 1)
	assert.True(t, f.store.cycles[0].UsingCachedData)
	require.NotNil(t, f.store.cycles[0].Error)
	assert.Equal(t, []bool{true}, de.forced)
}

func TestDegradeAndRecoverAlerts(t *testing.T) {
	cached := freshResult("DE")
	cached.UsingCachedData = true
	de := &scriptedRegion{
		cfg:      model.RegionConfig{ID: "DE"},
		results:  []model.NormalizedResult{cached, cached, freshResult("DE")},
		failures: []int{1, 2, 0},
	}
	f := newFixture([]Region{de}, nil)
	ctx := context.Background()

	f.svc.RunCycle(ctx, de, false)
	assert.Empty(t, f.notifier.notes)

	f.svc.RunCycle(ctx, de, false)
	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, alerting.KindDegraded, f.notifier.notes[0].Kind)

	f.svc.RunCycle(ctx, de, false)
	require.Len(t, f.notifier.notes, 2)
	assert.Equal(t, alerting.KindRecovered, f.notifier.notes[1].Kind)

	require.Len(t, f.store.alerts, 2)
	assert.Equal(t, "DE", f.store.alerts[0].Region)
	assert.Contains(t, f.store.alerts[0].Message, "DEGRADED")
}

func TestPersistenceErrorsDoNotStopCycle(t *testing.T) {
	de := &scriptedRegion{cfg: model.RegionConfig{ID: "DE"}, results: []model.NormalizedResult{freshResult("DE")}, failures: []int{0}}
	f := newFixture([]Region{de}, nil)
	f.store.failErr = errors.New("db down")

	res := f.svc.RunCycle(context.Background(), de, false)
	assert.True(t, res.HasData)
	assert.Len(t, f.store.cycles, 1)
}

func TestAdvisoryLockGatesBucket(t *testing.T) {
	de := &scriptedRegion{cfg: model.RegionConfig{ID: "DE"}, results: []model.NormalizedResult{freshResult("DE")}, failures: []int{0}}

	held := &stubLocker{acquired: false}
	f := newFixture([]Region{de}, held)
	require.NoError(t, f.svc.ProcessBucket(context.Background(), t0))
	assert.Zero(t, de.calls)

	free := &stubLocker{acquired: true}
	f = newFixture([]Region{de}, free)
	require.NoError(t, f.svc.ProcessBucket(context.Background(), t0))
	assert.Equal(t, 1, de.calls)
	assert.Equal(t, 1, free.unlocked)

	broken := &stubLocker{err: errors.New("conn refused")}
	f = newFixture([]Region{de}, broken)
	assert.Error(t, f.svc.ProcessBucket(context.Background(), t0))
}

func TestSweepExpiresCacheAndPrunesHistory(t *testing.T) {
	clk := clock.NewManual(t0)
	c := cache.New(cache.Options{TTL: time.Hour, Clock: clk}, zerolog.Nop())
	c.Put("DE", "EUR", freshResult("DE"), t0)
	c.Put("FR", "EUR", freshResult("FR"), t0.Add(90*time.Minute))

	store := &memStore{}
	observer := &recordingObserver{}
	svc := New(Options{Cache: c, Cycles: store, Observer: observer, Clock: clk, HistoryRetention: 24 * time.Hour}, nil, zerolog.Nop())

	clk.Advance(2 * time.Hour)
	svc.Sweep(context.Background())

	assert.Equal(t, 1, observer.entries)
	require.Len(t, store.pruned, 1)
	assert.True(t, store.pruned[0].Equal(t0.Add(2*time.Hour-24*time.Hour)))
}
