package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spotprice-engine/internal/alerting"
	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/config"
	"spotprice-engine/internal/exchange"
	"spotprice-engine/internal/failures"
	"spotprice-engine/internal/fallback"
	"spotprice-engine/internal/manager"
	"spotprice-engine/internal/metrics"
	"spotprice-engine/internal/scheduler"
	"spotprice-engine/internal/service"
	"spotprice-engine/internal/source"
	"spotprice-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newConverter() exchange.Converter {
	cfg := a.Config.Exchange
	if cfg.Provider == "static" {
		return exchange.NewStatic(cfg.Base, cfg.Rates)
	}
	return exchange.NewFrankfurter(exchange.FrankfurterOptions{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		TTL:     cfg.TTL,
	}, a.Logger)
}

// newAdapters builds one adapter per referenced source. Adapters are shared between regions.
func (a *App) newAdapters() (map[string]source.Adapter, error) {
	registry := source.NewRegistry()
	adapters := make(map[string]source.Adapter)
	for _, id := range a.Config.SourceIDs() {
		adapter, err := registry.Build(id, a.Config.SourceOptions(id), a.Logger)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", id, err)
		}
		adapters[id] = adapter
	}
	return adapters, nil
}

func (a *App) openMirror(ctx context.Context) (*cache.RedisMirror, error) {
	if !a.Config.Redis.Enabled {
		return nil, nil
	}
	cfg := a.Config.Redis
	return cache.NewRedisMirror(ctx, cache.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
		TTL:      a.Config.Cache.TTL,
	})
}

// newCache builds the shared price cache and warms it from Redis when a mirror is configured.
func (a *App) newCache(ctx context.Context) (*cache.Cache, func(), error) {
	opts := cache.Options{TTL: a.Config.Cache.TTL, MirrorTimeout: a.Config.Cache.MirrorTimeout}
	closer := func() {}

	mirror, err := a.openMirror(ctx)
	if err != nil {
		return nil, nil, err
	}
	if mirror != nil {
		opts.Mirror = mirror
		closer = func() { _ = mirror.Close() }
	}

	c := cache.New(opts, a.Logger)
	if mirror != nil {
		warmed, err := c.Warm(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("cache warm from redis failed; starting cold")
		} else {
			a.Logger.Info().Int("entries", warmed).Msg("cache warmed from redis")
		}
	}
	return c, closer, nil
}

func (a *App) fallbackOptions(observer fallback.Observer) fallback.Options {
	f := a.Config.Fetch
	return fallback.Options{
		Attempts:         f.Attempts,
		BaseTimeout:      f.BaseTimeout,
		Multiplier:       f.Multiplier,
		RateLimitBackoff: f.RateLimitBackoff,
		MaxBackoff:       f.MaxBackoff,
		MinIntervals:     a.Config.MinIntervals(),
		Observer:         observer,
	}
}

// newManagers builds one manager per configured region, or per selected region when ids is non-empty.
func (a *App) newManagers(ids []string, c *cache.Cache, observer fallback.Observer) ([]*manager.Manager, error) {
	regions := a.Config.Regions
	if len(ids) > 0 {
		regions = make([]config.RegionConfig, 0, len(ids))
		for _, id := range ids {
			r, ok := a.Config.Region(id)
			if !ok {
				return nil, fmt.Errorf("region %s is not configured", strings.ToUpper(id))
			}
			regions = append(regions, r)
		}
	}
	if len(regions) == 0 {
		return nil, errors.New("no regions configured")
	}

	adapters, err := a.newAdapters()
	if err != nil {
		return nil, err
	}
	converter := a.newConverter()

	managers := make([]*manager.Manager, 0, len(regions))
	for _, r := range regions {
		m, err := manager.New(manager.Options{
			Region:    r.Model(),
			Adapters:  adapters,
			Cache:     c,
			Tracker:   failures.New(failures.Options{Window: a.Config.Failures.Window, ValidationInterval: a.Config.Failures.ValidationInterval}),
			Fallback:  a.fallbackOptions(observer),
			Converter: converter,

			IntervalMinutes: a.Config.Fetch.IntervalMinutes,
			GracePeriod:     a.Config.Fetch.GracePeriod,
			Windows:         a.Config.Windows(),
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		managers = append(managers, m)
	}
	return managers, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: cfg.BotToken,
			ChatID:   cfg.ChatID,
			BaseURL:  cfg.APIBase,
			Timeout:  cfg.Timeout,
		}, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running fetch daemon.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	c, closeCache, err := a.newCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	m := metrics.New()
	managers, err := a.newManagers(nil, c, m)
	if err != nil {
		return err
	}

	if a.Config.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, a.Config.Metrics.Addr, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	opts := service.Options{
		Scheduler: scheduler.New(scheduler.Options{
			Interval:       a.Config.Scheduler.Interval,
			AlignToStart:   a.Config.Scheduler.AlignToBucket,
			StartupDelay:   a.Config.Scheduler.StartupDelay,
			RunImmediately: true,
		}, a.Logger),
		Housekeeper:      scheduler.NewHousekeeper(a.Logger),
		Observer:         m,
		Cache:            c,
		SweepSchedule:    a.Config.Scheduler.SweepSchedule,
		HistoryRetention: a.Config.Scheduler.HistoryRetention,
	}
	if store != nil {
		opts.Prices = store
		opts.Cycles = store
		opts.Alerts = store
		opts.Locker = store
		opts.LockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	if a.Config.Alerting.Enabled {
		opts.Notifier = a.newNotifier()
		opts.Watcher = alerting.NewWatcher(alerting.WatcherOptions{
			FailureThreshold: a.Config.Alerting.FailureThreshold,
			Cooldown:         a.Config.Alerting.Cooldown,
			Channels:         a.Config.Alerting.Channels,
		})
	}

	svc := service.New(opts, regionsOf(managers), a.Logger)

	a.Logger.Info().Int("regions", len(managers)).Msg("starting spot price service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spot price service stopped")
	return nil
}

func regionsOf(managers []*manager.Manager) []service.Region {
	out := make([]service.Region, 0, len(managers))
	for _, m := range managers {
		out = append(out, m)
	}
	return out
}

// FetchOptions configure a one-off forced fetch.
type FetchOptions struct {
	Regions []string
	JSON    bool
	Persist bool
}

// ExportOptions hold parameters for exporting stored prices.
type ExportOptions struct {
	Region    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Region string
	Limit  int
}

// BackfillOptions configure the history backfill.
type BackfillOptions struct {
	Region string
	From   time.Time
	To     time.Time
	DryRun bool
}
