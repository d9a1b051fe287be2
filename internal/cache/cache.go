// Package cache keeps the last normalized result per region and currency so a
// failed or rate-limited cycle still has something to serve.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spotprice-engine/internal/clock"
	"spotprice-engine/internal/model"
)

const (
	DefaultTTL           = 6 * time.Hour
	defaultMirrorTimeout = 2 * time.Second
)

// Key identifies one cached result.
type Key struct {
	Region   string `json:"region"`
	Currency string `json:"currency"`
}

func (k Key) String() string {
	return k.Region + "/" + k.Currency
}

// Entry is a cached normalized result and the moment it was produced.
type Entry struct {
	Key       Key                    `json:"key"`
	Data      model.NormalizedResult `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Age reports how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Mirror persists entries outside the process. Implementations must be safe for concurrent use.
type Mirror interface {
	Save(ctx context.Context, entry Entry) error
	Load(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, region string) error
}

// Stats is a diagnostic snapshot.
type Stats struct {
	Entries int                      `json:"entries"`
	Ages    map[string]time.Duration `json:"ages"`
	Oldest  time.Duration            `json:"oldest"`
}

type Options struct {
	TTL           time.Duration
	Clock         clock.Clock
	Mirror        Mirror
	MirrorTimeout time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[Key]Entry
}

func New(opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}
	return &Cache{
		opts:    opts,
		logger:  logger.With().Str("component", "cache").Logger(),
		entries: make(map[Key]Entry),
	}
}

// TTL returns the configured retention.
func (c *Cache) TTL() time.Duration {
	return c.opts.TTL
}

// Get returns the entry when it exists and is no older than maxAge. A non-positive
// maxAge means the TTL. Missing and stale entries both report false.
func (c *Cache) Get(region, currency string, maxAge time.Duration) (Entry, bool) {
	if maxAge <= 0 || maxAge > c.opts.TTL {
		maxAge = c.opts.TTL
	}
	c.mu.RLock()
	e, ok := c.entries[Key{Region: region, Currency: currency}]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if e.Age(c.opts.Clock.Now()) > maxAge {
		return Entry{}, false
	}
	return e, true
}

// Put stores data for the key, replacing any previous entry.
func (c *Cache) Put(region, currency string, data model.NormalizedResult, ts time.Time) {
	e := Entry{Key: Key{Region: region, Currency: currency}, Data: data, Timestamp: ts}
	c.mu.Lock()
	c.entries[e.Key] = e
	c.mu.Unlock()

	if c.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
	defer cancel()
	if err := c.opts.Mirror.Save(ctx, e); err != nil {
		c.logger.Warn().Err(err).Str("key", e.Key.String()).Msg("mirror save failed")
	}
}

// Clear drops every entry of a region and reports whether anything was removed.
func (c *Cache) Clear(region string) bool {
	removed := false
	c.mu.Lock()
	for k := range c.entries {
		if k.Region == region {
			delete(c.entries, k)
			removed = true
		}
	}
	c.mu.Unlock()

	if c.opts.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
		defer cancel()
		if err := c.opts.Mirror.Delete(ctx, region); err != nil {
			c.logger.Warn().Err(err).Str("region", region).Msg("mirror delete failed")
		}
	}
	return removed
}

// Sweep removes entries older than the TTL and returns how many were dropped.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.Age(now) > c.opts.TTL {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug().Int("removed", n).Msg("swept expired entries")
	}
	return n
}

// Stats returns entry count and per-key ages.
func (c *Cache) Stats() Stats {
	now := c.opts.Clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Entries: len(c.entries), Ages: make(map[string]time.Duration, len(c.entries))}
	for k, e := range c.entries {
		age := e.Age(now)
		st.Ages[k.String()] = age
		if age > st.Oldest {
			st.Oldest = age
		}
	}
	return st
}

// Keys lists cached keys in a stable order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Warm loads mirrored entries that are still within the TTL. Newer in-memory
// entries win over mirrored ones.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.opts.Mirror == nil {
		return 0, nil
	}
	entries, err := c.opts.Mirror.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := c.opts.Clock.Now()
	loaded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.Age(now) > c.opts.TTL {
			continue
		}
		if cur, ok := c.entries[e.Key]; ok && !cur.Timestamp.Before(e.Timestamp) {
			continue
		}
		c.entries[e.Key] = e
		loaded++
	}
	c.logger.Info().Int("loaded", loaded).Int("mirrored", len(entries)).Msg("cache warmed")
	return loaded, nil
}
