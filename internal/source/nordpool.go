package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotprice-engine/internal/model"
)

const defaultNordPoolURL = "https://dataportal-api.nordpoolgroup.com/api"

// Nord Pool publishes by CET delivery date.
var nordPoolDeliveryZone = mustLoadLocation("Europe/Oslo")

// NordPool reads the Nord Pool day-ahead data portal.
type NordPool struct {
	opts    Options
	baseURL string
	http    *httpGetter
	logger  zerolog.Logger
}

// NewNordPool constructs the adapter.
func NewNordPool(opts Options, logger zerolog.Logger) *NordPool {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultNordPoolURL
	}
	if opts.Currency == "" {
		opts.Currency = "EUR"
	}
	l := logger.With().Str("component", "source").Str("source", NordPoolID).Logger()
	return &NordPool{opts: opts, baseURL: baseURL, http: newHTTPGetter(NordPoolID, opts, l), logger: l}
}

// ID implements Adapter.
func (n *NordPool) ID() string { return NordPoolID }

// FetchRaw requests every CET delivery day overlapping the local today and tomorrow of
// reference, taken in reference's location. Only the delivery day holding reference must
// exist; the others may be unpublished.
func (n *NordPool) FetchRaw(ctx context.Context, region string, reference time.Time) (RawPayload, error) {
	area := zoneFor(n.opts.Zones, nil, region)
	required := reference.In(nordPoolDeliveryZone).Format(time.DateOnly)

	payload := RawPayload{SourceID: NordPoolID, Region: region, Reference: reference}
	for _, date := range nordPoolDeliveryDates(reference) {
		q := url.Values{}
		q.Set("date", date)
		q.Set("market", "DayAhead")
		q.Set("deliveryArea", area)
		q.Set("currency", n.opts.Currency)

		body, err := n.http.get(ctx, n.baseURL+"/DayAheadPrices?"+q.Encode(), http.Header{"Accept": {"application/json"}})
		if err != nil {
			if date != required && KindOf(err) == KindNoData {
				n.logger.Debug().Str("date", date).Msg("delivery day not published")
				continue
			}
			return RawPayload{}, err
		}
		payload.Parts = append(payload.Parts, body)
	}
	payload.FetchedAt = time.Now().UTC()
	return payload, nil
}

// nordPoolDeliveryDates lists the CET delivery dates covering the two local days that start
// at reference's local midnight. Regions east of CET need the previous delivery day too.
func nordPoolDeliveryDates(reference time.Time) []string {
	start := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, reference.Location())
	first := start.In(nordPoolDeliveryZone)
	last := start.AddDate(0, 0, 2).Add(-time.Nanosecond).In(nordPoolDeliveryZone).Format(time.DateOnly)

	var dates []string
	day := time.Date(first.Year(), first.Month(), first.Day(), 12, 0, 0, 0, nordPoolDeliveryZone)
	for {
		date := day.Format(time.DateOnly)
		dates = append(dates, date)
		if date >= last {
			return dates
		}
		day = day.AddDate(0, 0, 1)
	}
}

type nordPoolResponse struct {
	DeliveryDate     string          `json:"deliveryDateCET"`
	Currency         string          `json:"currency"`
	DeliveryAreas    []string        `json:"deliveryAreas"`
	MultiAreaEntries []nordPoolEntry `json:"multiAreaEntries"`
}

type nordPoolEntry struct {
	DeliveryStart time.Time                  `json:"deliveryStart"`
	DeliveryEnd   time.Time                  `json:"deliveryEnd"`
	EntryPerArea  map[string]decimal.Decimal `json:"entryPerArea"`
}

// Parse implements Adapter.
func (n *NordPool) Parse(payload RawPayload) (model.RawSeries, error) {
	area := zoneFor(n.opts.Zones, nil, payload.Region)
	series := model.RawSeries{Unit: model.UnitMWh, Timezone: "UTC"}

	for _, part := range payload.Parts {
		if len(part) == 0 {
			continue
		}
		var resp nordPoolResponse
		if err := json.Unmarshal(part, &resp); err != nil {
			return model.RawSeries{}, NewError(KindDataFormat, NordPoolID, fmt.Errorf("decode response: %w", err))
		}
		if resp.Currency != "" {
			if series.Currency != "" && series.Currency != resp.Currency {
				return model.RawSeries{}, Errorf(KindDataFormat, NordPoolID, "mixed currencies %s and %s", series.Currency, resp.Currency)
			}
			series.Currency = resp.Currency
		}
		for _, entry := range resp.MultiAreaEntries {
			price, ok := entry.EntryPerArea[area]
			if !ok {
				continue
			}
			if !entry.DeliveryEnd.After(entry.DeliveryStart) {
				return model.RawSeries{}, Errorf(KindDataFormat, NordPoolID, "interval %s has no duration", entry.DeliveryStart)
			}
			series.Points = append(series.Points, model.RawPoint{
				Start: entry.DeliveryStart.UTC(),
				End:   entry.DeliveryEnd.UTC(),
				Price: price,
			})
		}
	}

	if series.Currency == "" {
		series.Currency = n.opts.Currency
	}
	if len(series.Points) == 0 {
		return model.RawSeries{}, Errorf(KindNoData, NordPoolID, "no prices for area %s", area)
	}
	return series, nil
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("load location " + name + ": " + err.Error())
	}
	return loc
}

var _ Adapter = (*NordPool)(nil)
