// Package metrics exposes fetch pipeline health to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"spotprice-engine/internal/fallback"
	"spotprice-engine/internal/model"
)

const namespace = "spotprice"

// Cycle results.
const (
	ResultFresh  = "fresh"
	ResultCached = "cached"
	ResultEmpty  = "empty"
)

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	attempts            *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	fallbacks           *prometheus.CounterVec
	exhausted           *prometheus.CounterVec
	cycles              *prometheus.CounterVec
	currentPrice        *prometheus.GaugeVec
	lastUpdate          *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	sourceDisabled      *prometheus.GaugeVec
	cacheEntries        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "attempts_total",
			Help:      "Fetch attempts per source and outcome.",
		}, []string{"region", "source", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single fetch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"source"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "used_total",
			Help:      "Cycles that were served by a lower priority source.",
		}, []string{"region", "source"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "exhausted_total",
			Help:      "Cycles in which every source failed.",
		}, []string{"region"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "cycles_total",
			Help:      "Fetch cycles by result.",
		}, []string{"region", "result"}),
		currentPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "current",
			Help:      "Current interval price in the region display unit and currency.",
		}, []string{"region", "currency", "unit"}),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the data currently served.",
		}, []string{"region"}),
		consecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "consecutive_failures",
			Help:      "Failed cycles since the last success.",
		}, []string{"region"}),
		sourceDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "disabled",
			Help:      "1 when a source was disabled after an authentication failure.",
		}, []string{"source"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held in the price cache.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.attemptDuration,
		m.fallbacks,
		m.exhausted,
		m.cycles,
		m.currentPrice,
		m.lastUpdate,
		m.consecutiveFailures,
		m.sourceDisabled,
		m.cacheEntries,
	)
	return m
}

// ObserveAttempt implements fallback.Observer.
func (m *Metrics) ObserveAttempt(region string, a model.FetchAttempt) {
	m.attempts.WithLabelValues(region, a.SourceID, string(a.Outcome)).Inc()
	m.attemptDuration.WithLabelValues(a.SourceID).Observe(a.Elapsed.Seconds())
}

// ObserveResult implements fallback.Observer.
func (m *Metrics) ObserveResult(region string, r model.FetchResult) {
	if !r.HasData() {
		m.exhausted.WithLabelValues(region).Inc()
		return
	}
	if len(r.FallbackSources) > 0 {
		m.fallbacks.WithLabelValues(region, r.SourceID).Inc()
	}
}

// ObserveCycle records what a manager cycle served.
func (m *Metrics) ObserveCycle(res model.NormalizedResult, consecutiveFailures int) {
	result := ResultFresh
	switch {
	case !res.HasData:
		result = ResultEmpty
	case res.UsingCachedData:
		result = ResultCached
	}
	m.cycles.WithLabelValues(res.Region, result).Inc()
	m.consecutiveFailures.WithLabelValues(res.Region).Set(float64(consecutiveFailures))

	if res.CurrentPrice != nil {
		m.currentPrice.WithLabelValues(res.Region, res.Currency, res.Unit).Set(res.CurrentPrice.InexactFloat64())
	}
	if !res.LastUpdate.IsZero() && res.HasData {
		m.lastUpdate.WithLabelValues(res.Region).Set(float64(res.LastUpdate.Unix()))
	}
}

// SetSourceDisabled flags a disabled source.
func (m *Metrics) SetSourceDisabled(sourceID string, disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	m.sourceDisabled.WithLabelValues(sourceID).Set(v)
}

// SetCacheEntries reports the cache size.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Router serves GET /metrics and GET /healthz.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Serve exposes Router on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

var _ fallback.Observer = (*Metrics)(nil)
