package source

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Built-in source identifiers.
const (
	NordPoolID     = "nordpool"
	EnergyChartsID = "energycharts"
	EntsoeID       = "entsoe"
)

// Options parameterise an adapter instance.
type Options struct {
	BaseURL           string
	APIKey            string
	Currency          string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	// Zones maps region ids to provider area codes; missing regions use the id itself.
	Zones map[string]string
}

// Factory builds an adapter from options.
type Factory func(opts Options, logger zerolog.Logger) (Adapter, error)

// Registry maps source ids to factories. Each application owns its own registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NordPoolID, func(opts Options, logger zerolog.Logger) (Adapter, error) {
		return NewNordPool(opts, logger), nil
	})
	r.Register(EnergyChartsID, func(opts Options, logger zerolog.Logger) (Adapter, error) {
		return NewEnergyCharts(opts, logger), nil
	})
	r.Register(EntsoeID, func(opts Options, logger zerolog.Logger) (Adapter, error) {
		return NewEntsoe(opts, logger), nil
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Build creates an adapter by id.
func (r *Registry) Build(id string, opts Options, logger zerolog.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source: %s", id)
	}
	return factory(opts, logger)
}

// IDs lists registered source ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func zoneFor(zones map[string]string, defaults map[string]string, region string) string {
	if z, ok := zones[region]; ok && z != "" {
		return z
	}
	if z, ok := defaults[region]; ok {
		return z
	}
	return region
}
