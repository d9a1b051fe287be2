// Package service runs the fetch cycles of every configured region on a schedule and
// fans the results out to persistence, metrics and alerts.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotprice-engine/internal/alerting"
	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/manager"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/scheduler"
	"spotprice-engine/internal/storage"
)

// Region is the slice of a manager the service drives.
type Region interface {
	Region() model.RegionConfig
	Fetch(ctx context.Context, force bool) model.NormalizedResult
	Status() manager.Status
}

// CycleObserver records cycle outcomes. *metrics.Metrics satisfies it.
type CycleObserver interface {
	ObserveCycle(res model.NormalizedResult, consecutiveFailures int)
	SetSourceDisabled(sourceID string, disabled bool)
	SetCacheEntries(n int)
}

// Options wires the optional collaborators. Nil stores, notifier or observer disable that fan-out.
type Options struct {
	Scheduler   *scheduler.Scheduler
	Housekeeper *scheduler.Housekeeper

	Prices   storage.PriceStore
	Cycles   storage.CycleStore
	Alerts   storage.AlertStore
	Locker   storage.AdvisoryLocker
	LockKey  int64
	Notifier alerting.Notifier
	Watcher  *alerting.Watcher
	Observer CycleObserver
	Cache    *cache.Cache
	Clock    clock.Clock

	SweepSchedule    string
	HistoryRetention time.Duration
}

// Service orchestrates fetching, persistence, and alerting.
type Service struct {
	opts    Options
	regions []Region
	clock   clock.Clock
	logger  zerolog.Logger
}

// New constructs the service over regions.
func New(opts Options, regions []Region, logger zerolog.Logger) *Service {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Service{
		opts:    opts,
		regions: regions,
		clock:   c,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned tick loop and the housekeeping jobs.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.opts.Housekeeper != nil {
		if err := s.opts.Housekeeper.Add("sweep", s.opts.SweepSchedule, s.Sweep); err != nil {
			return err
		}
		go s.opts.Housekeeper.Run(ctx)
	}
	return s.opts.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs one non-forced cycle for every region. Regions run concurrently;
// each manager still serialises its own cycles.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.regions {
		r := r
		g.Go(func() error {
			s.RunCycle(gctx, r, false)
			return nil
		})
	}
	return g.Wait()
}

// RunCycle fetches one region and records the outcome. It never fails: every
// fan-out error is logged.
func (s *Service) RunCycle(ctx context.Context, r Region, force bool) model.NormalizedResult {
	started := s.clock.Now()
	res := r.Fetch(ctx, force)
	st := r.Status()
	s.record(ctx, res, st, started)
	return res
}

func (s *Service) record(ctx context.Context, res model.NormalizedResult, st manager.Status, started time.Time) {
	log := s.logger.With().Str("region", res.Region).Logger()

	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCycle(res, st.ConsecutiveFailures)
		for _, src := range st.Sources {
			s.opts.Observer.SetSourceDisabled(src.SourceID, src.Disabled)
		}
	}

	if s.opts.Prices != nil {
		if records := storage.RecordsFromResult(res); len(records) > 0 {
			if err := s.opts.Prices.UpsertPrices(ctx, records); err != nil {
				log.Error().Err(err).Msg("failed to persist prices")
			}
		}
	}
	if s.opts.Cycles != nil {
		if err := s.opts.Cycles.InsertFetchCycle(ctx, storage.CycleFromResult(res, started)); err != nil {
			log.Error().Err(err).Msg("failed to persist fetch cycle")
		}
	}

	if s.opts.Watcher == nil {
		return
	}
	note, ok := s.opts.Watcher.Evaluate(res, st.ConsecutiveFailures, s.clock.Now())
	if !ok {
		return
	}
	log.Warn().Str("kind", note.Kind).Int("consecutive_failures", note.ConsecutiveFailures).Msg("region health changed")

	if s.opts.Alerts != nil {
		record := storage.AlertRecord{
			Region:   note.Region,
			Kind:     note.Kind,
			Message:  alerting.RenderMessage(note),
			Channels: note.Channels,
		}
		if _, err := s.opts.Alerts.InsertAlert(ctx, record); err != nil {
			log.Error().Err(err).Msg("failed to persist alert record")
		}
	}
	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Notify(ctx, note); err != nil {
			log.Error().Err(err).Msg("failed to dispatch alert")
		}
	}
}

// Sweep drops expired cache entries and prunes old cycle history.
func (s *Service) Sweep(ctx context.Context) {
	now := s.clock.Now()
	if s.opts.Cache != nil {
		removed := s.opts.Cache.Sweep(now)
		if s.opts.Observer != nil {
			s.opts.Observer.SetCacheEntries(s.opts.Cache.Stats().Entries)
		}
		if removed > 0 {
			s.logger.Info().Int("removed", removed).Msg("expired cache entries swept")
		}
	}
	if s.opts.Cycles != nil && s.opts.HistoryRetention > 0 {
		deleted, err := s.opts.Cycles.DeleteCyclesBefore(ctx, now.Add(-s.opts.HistoryRetention))
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune fetch cycles")
			return
		}
		if deleted > 0 {
			s.logger.Info().Int64("deleted", deleted).Msg("fetch cycle history pruned")
		}
	}
}

// Statuses reports every region.
func (s *Service) Statuses() []manager.Status {
	out := make([]manager.Status, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r.Status())
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var _ Region = (*manager.Manager)(nil)
