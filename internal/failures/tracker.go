// Package failures remembers when each source last failed so broken sources are
// tried last instead of first, without ever being dropped for good.
package failures

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a failed source stays deprioritised.
	DefaultWindow = 24 * time.Hour
	// DefaultValidationInterval spaces the full re-validation cycles.
	DefaultValidationInterval = 24 * time.Hour
)

// Options tune the tracker.
type Options struct {
	Window             time.Duration
	ValidationInterval time.Duration
}

// Record is a diagnostic view of one source.
type Record struct {
	SourceID    string     `json:"source_id"`
	LastFailure *time.Time `json:"last_failure"`
	Disabled    bool       `json:"disabled"`
	Reason      string     `json:"reason,omitempty"`
}

// Tracker holds source_id -> last failure instant. A zero instant means known good.
type Tracker struct {
	opts Options

	mu             sync.RWMutex
	lastFailure    map[string]time.Time
	disabled       map[string]string
	lastValidation time.Time
}

// New builds a tracker.
func New(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.ValidationInterval <= 0 {
		opts.ValidationInterval = DefaultValidationInterval
	}
	return &Tracker{
		opts:        opts,
		lastFailure: make(map[string]time.Time),
		disabled:    make(map[string]string),
	}
}

// MarkFailed records a failure at now.
func (t *Tracker) MarkFailed(sourceID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFailure[sourceID] = now
}

// MarkSucceeded resets the source to known good.
func (t *Tracker) MarkSucceeded(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFailure[sourceID] = time.Time{}
}

// Disable removes a source from every ordering for the lifetime of the tracker.
// Used for rejected credentials, which no amount of retrying will fix.
func (t *Tracker) Disable(sourceID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[sourceID] = reason
}

// IsDisabled reports whether the source was disabled.
func (t *Tracker) IsDisabled(sourceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.disabled[sourceID]
	return ok
}

// IsRecentlyFailed reports whether the source failed within the window before now.
func (t *Tracker) IsRecentlyFailed(sourceID string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recentlyFailedLocked(sourceID, now)
}

func (t *Tracker) recentlyFailedLocked(sourceID string, now time.Time) bool {
	failed, ok := t.lastFailure[sourceID]
	if !ok || failed.IsZero() {
		return false
	}
	return now.Before(failed.Add(t.opts.Window))
}

// DueForRetry lists known sources that are good or whose failure has aged out, sorted by id.
func (t *Tracker) DueForRetry(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	due := make([]string, 0, len(t.lastFailure))
	for id := range t.lastFailure {
		if _, off := t.disabled[id]; off {
			continue
		}
		if !t.recentlyFailedLocked(id, now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	return due
}

// Order returns the candidate list for one cycle: healthy and due sources first in
// priority order, recently failed sources after them, disabled sources omitted.
func (t *Tracker) Order(priority []string, now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	preferred := make([]string, 0, len(priority))
	deferred := make([]string, 0)
	for _, id := range priority {
		if _, off := t.disabled[id]; off {
			continue
		}
		if t.recentlyFailedLocked(id, now) {
			deferred = append(deferred, id)
			continue
		}
		preferred = append(preferred, id)
	}
	return append(preferred, deferred...)
}

// ValidationDue reports whether a full re-validation cycle should run.
func (t *Tracker) ValidationDue(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastValidation.IsZero() {
		return false
	}
	return !now.Before(t.lastValidation.Add(t.opts.ValidationInterval))
}

// MarkValidated stamps the last validation cycle. The first call only arms the schedule.
func (t *Tracker) MarkValidated(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastValidation = now
}

// Validated reports whether the schedule was armed.
func (t *Tracker) Validated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.lastValidation.IsZero()
}

// ValidationOrder is the candidate list of a re-validation cycle: the plain priority
// order minus disabled sources, so recently failed sources get a fair chance again.
func (t *Tracker) ValidationOrder(priority []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(priority))
	for _, id := range priority {
		if _, off := t.disabled[id]; !off {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns the state of every known source, sorted by id.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make(map[string]struct{}, len(t.lastFailure)+len(t.disabled))
	for id := range t.lastFailure {
		ids[id] = struct{}{}
	}
	for id := range t.disabled {
		ids[id] = struct{}{}
	}

	out := make([]Record, 0, len(ids))
	for id := range ids {
		rec := Record{SourceID: id}
		if failed := t.lastFailure[id]; !failed.IsZero() {
			ts := failed
			rec.LastFailure = &ts
		}
		if reason, off := t.disabled[id]; off {
			rec.Disabled = true
			rec.Reason = reason
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
