package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotprice-engine/internal/model"
)

// PriceRecord is one persisted interval price in the region display currency and unit.
type PriceRecord struct {
	Region    string
	Start     time.Time
	End       time.Time
	Price     decimal.Decimal
	Currency  string
	Unit      string
	Source    string
	UpdatedAt time.Time
}

// FetchCycle is the audit row of one manager cycle.
type FetchCycle struct {
	ID               uuid.UUID
	Region           string
	StartedAt        time.Time
	ActiveSource     string
	AttemptedSources []string
	FallbackSources  []string
	UsingCachedData  bool
	HasData          bool
	CurrentPrice     *decimal.Decimal
	Currency         string
	Error            *string
	CreatedAt        time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	Region    string
	Kind      string
	Message   string
	Channels  []string
	CreatedAt time.Time
}

// CycleFromResult builds the audit row for res.
func CycleFromResult(res model.NormalizedResult, startedAt time.Time) FetchCycle {
	cycle := FetchCycle{
		ID:               uuid.New(),
		Region:           res.Region,
		StartedAt:        startedAt,
		ActiveSource:     res.ActiveSource,
		AttemptedSources: append([]string{}, res.AttemptedSources...),
		FallbackSources:  append([]string{}, res.FallbackSources...),
		UsingCachedData:  res.UsingCachedData,
		HasData:          res.HasData,
		Currency:         res.Currency,
	}
	if res.CurrentPrice != nil {
		v := *res.CurrentPrice
		cycle.CurrentPrice = &v
	}
	if res.Error != "" {
		msg := res.Error
		cycle.Error = &msg
	}
	return cycle
}

// RecordsFromResult flattens freshly fetched prices. Cached or empty results yield nothing
// because their intervals were stored when first fetched.
func RecordsFromResult(res model.NormalizedResult) []PriceRecord {
	if !res.HasData || res.UsingCachedData {
		return nil
	}
	points := res.AllPoints()
	out := make([]PriceRecord, 0, len(points))
	for _, p := range points {
		out = append(out, PriceRecord{
			Region:    res.Region,
			Start:     p.Start.UTC(),
			End:       p.End.UTC(),
			Price:     p.Price,
			Currency:  p.Currency,
			Unit:      p.Unit,
			Source:    res.ActiveSource,
			UpdatedAt: res.LastUpdate.UTC(),
		})
	}
	return out
}
