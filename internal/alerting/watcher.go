package alerting

import (
	"sync"
	"time"

	"spotprice-engine/internal/model"
)

// WatcherOptions tune when a region counts as degraded.
type WatcherOptions struct {
	// FailureThreshold is the number of consecutive failed cycles before cached data counts as degraded.
	FailureThreshold int
	// Cooldown suppresses repeated degraded alerts for the same region.
	Cooldown time.Duration
	Channels []string
}

type regionHealth struct {
	degraded    bool
	lastAlertAt time.Time
}

// Watcher turns the stream of cycle results into degrade and recover transitions.
type Watcher struct {
	opts WatcherOptions

	mu      sync.Mutex
	regions map[string]*regionHealth
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Watcher{opts: opts, regions: make(map[string]*regionHealth)}
}

// Evaluate returns the notification to send for res, if any. An empty result is degraded at
// once; a cached result only after FailureThreshold consecutive failures.
func (w *Watcher) Evaluate(res model.NormalizedResult, consecutiveFailures int, now time.Time) (Notification, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	h, ok := w.regions[res.Region]
	if !ok {
		h = &regionHealth{}
		w.regions[res.Region] = h
	}

	fresh := res.HasData && !res.UsingCachedData
	unhealthy := !res.HasData || (res.UsingCachedData && consecutiveFailures >= w.opts.FailureThreshold)

	switch {
	case fresh && h.degraded:
		h.degraded = false
		h.lastAlertAt = now
		return w.notification(res, KindRecovered, consecutiveFailures, now), true
	case unhealthy:
		wasDegraded := h.degraded
		h.degraded = true
		// Zero cooldown means one alert per degradation.
		if wasDegraded && (w.opts.Cooldown <= 0 || now.Sub(h.lastAlertAt) < w.opts.Cooldown) {
			return Notification{}, false
		}
		h.lastAlertAt = now
		return w.notification(res, KindDegraded, consecutiveFailures, now), true
	}
	return Notification{}, false
}

// Degraded reports the current state of region.
func (w *Watcher) Degraded(region string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.regions[region]
	return ok && h.degraded
}

func (w *Watcher) notification(res model.NormalizedResult, kind string, failures int, now time.Time) Notification {
	return Notification{
		Region:              res.Region,
		Kind:                kind,
		At:                  now,
		ActiveSource:        res.ActiveSource,
		AttemptedSources:    append([]string{}, res.AttemptedSources...),
		UsingCachedData:     res.UsingCachedData,
		HasData:             res.HasData,
		ConsecutiveFailures: failures,
		CurrentPrice:        res.CurrentPrice,
		Currency:            res.Currency,
		Unit:                res.Unit,
		Error:               res.Error,
		Channels:            w.opts.Channels,
	}
}
