package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RegionConfig describes one bidding zone served by a price manager.
type RegionConfig struct {
	ID             string
	Currency       string
	Timezone       string
	SourcePriority []string
	VATRate        decimal.Decimal
	DisplayUnit    string
	Subunit        bool
}

// Location resolves the region timezone, defaulting to UTC.
func (r RegionConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("region %s: load timezone: %w", r.ID, err)
	}
	return loc, nil
}

// Validate checks the fields required to run a manager.
func (r RegionConfig) Validate() error {
	if r.ID == "" {
		return errors.New("region id is required")
	}
	if r.Currency == "" {
		return fmt.Errorf("region %s: currency is required", r.ID)
	}
	if len(r.SourcePriority) == 0 {
		return fmt.Errorf("region %s: no sources configured", r.ID)
	}
	if r.VATRate.IsNegative() {
		return fmt.Errorf("region %s: vat rate cannot be negative", r.ID)
	}
	if r.DisplayUnit != "" {
		if _, err := CanonicalUnit(r.DisplayUnit); err != nil {
			return fmt.Errorf("region %s: %w", r.ID, err)
		}
	}
	return nil
}
