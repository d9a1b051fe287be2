// Package source defines the provider adapter contract and the built-in adapters.
package source

import (
	"context"
	"time"
	_ "time/tzdata"

	"spotprice-engine/internal/model"
)

// RawPayload is the untouched provider response of one fetch.
type RawPayload struct {
	SourceID  string
	Region    string
	Reference time.Time
	FetchedAt time.Time
	// Parts holds one body per upstream request (for example today and tomorrow).
	Parts [][]byte
}

// Empty reports whether no part carries content.
func (p RawPayload) Empty() bool {
	for _, part := range p.Parts {
		if len(part) > 0 {
			return false
		}
	}
	return true
}

// Adapter fetches and parses one provider.
type Adapter interface {
	// ID returns the stable source identifier used in configuration.
	ID() string
	// FetchRaw performs the network call. The context carries the attempt deadline.
	FetchRaw(ctx context.Context, region string, reference time.Time) (RawPayload, error)
	// Parse turns a payload into a raw series; it never performs I/O.
	Parse(payload RawPayload) (model.RawSeries, error)
}
