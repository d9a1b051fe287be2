package source

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"spotprice-engine/internal/model"
)

const defaultEnergyChartsURL = "https://api.energy-charts.info"

var energyChartsZones = map[string]string{
	"DE": "DE-LU",
	"LU": "DE-LU",
}

var energyChartsDay = mustLoadLocation("Europe/Berlin")

// EnergyCharts reads day-ahead prices from the Fraunhofer ISE Energy-Charts API.
type EnergyCharts struct {
	opts    Options
	baseURL string
	http    *httpGetter
	logger  zerolog.Logger
}

// NewEnergyCharts constructs the adapter.
func NewEnergyCharts(opts Options, logger zerolog.Logger) *EnergyCharts {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultEnergyChartsURL
	}
	l := logger.With().Str("component", "source").Str("source", EnergyChartsID).Logger()
	return &EnergyCharts{opts: opts, baseURL: baseURL, http: newHTTPGetter(EnergyChartsID, opts, l), logger: l}
}

// ID implements Adapter.
func (e *EnergyCharts) ID() string { return EnergyChartsID }

// FetchRaw requests two days from the earlier of the Berlin and the reference-local midnight,
// so regions outside CET get their whole local today and tomorrow.
func (e *EnergyCharts) FetchRaw(ctx context.Context, region string, reference time.Time) (RawPayload, error) {
	day := reference.In(energyChartsDay)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, energyChartsDay)
	end := start.AddDate(0, 0, 2)
	local := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, reference.Location())
	if local.Before(start) {
		start = local
	}
	if localEnd := local.AddDate(0, 0, 2); localEnd.After(end) {
		end = localEnd
	}

	q := url.Values{}
	q.Set("bzn", zoneFor(e.opts.Zones, energyChartsZones, region))
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))

	body, err := e.http.get(ctx, e.baseURL+"/price?"+q.Encode(), http.Header{"Accept": {"application/json"}})
	if err != nil {
		return RawPayload{}, err
	}
	return RawPayload{
		SourceID:  EnergyChartsID,
		Region:    region,
		Reference: reference,
		FetchedAt: time.Now().UTC(),
		Parts:     [][]byte{body},
	}, nil
}

// Parse implements Adapter. The payload holds parallel unix_seconds and price arrays;
// null prices mark unpublished intervals and are skipped.
func (e *EnergyCharts) Parse(payload RawPayload) (model.RawSeries, error) {
	if payload.Empty() {
		return model.RawSeries{}, Errorf(KindNoData, EnergyChartsID, "empty payload")
	}
	body := payload.Parts[0]
	if !gjson.ValidBytes(body) {
		return model.RawSeries{}, Errorf(KindDataFormat, EnergyChartsID, "invalid json")
	}

	doc := gjson.ParseBytes(body)
	stamps := doc.Get("unix_seconds").Array()
	prices := doc.Get("price").Array()
	if len(stamps) != len(prices) {
		return model.RawSeries{}, Errorf(KindDataFormat, EnergyChartsID, "%d timestamps for %d prices", len(stamps), len(prices))
	}
	if len(stamps) == 0 {
		return model.RawSeries{}, Errorf(KindNoData, EnergyChartsID, "no prices")
	}

	currency, unit := "EUR", model.UnitMWh
	if raw := doc.Get("unit").String(); raw != "" {
		if cur, _, ok := strings.Cut(raw, "/"); ok && strings.TrimSpace(cur) != "" {
			currency = strings.TrimSpace(cur)
		}
		u, err := model.CanonicalUnit(raw)
		if err != nil {
			return model.RawSeries{}, NewError(KindDataFormat, EnergyChartsID, err)
		}
		unit = u
	}

	step := inferStep(stamps)
	series := model.RawSeries{Currency: currency, Unit: unit, Timezone: "UTC"}
	for i, ts := range stamps {
		if prices[i].Type == gjson.Null {
			continue
		}
		start := time.Unix(ts.Int(), 0).UTC()
		end := start.Add(step)
		if i+1 < len(stamps) {
			end = time.Unix(stamps[i+1].Int(), 0).UTC()
		}
		price, err := decimal.NewFromString(prices[i].Raw)
		if err != nil {
			return model.RawSeries{}, Errorf(KindDataFormat, EnergyChartsID, "price %q: %v", prices[i].Raw, err)
		}
		series.Points = append(series.Points, model.RawPoint{Start: start, End: end, Price: price})
	}
	if len(series.Points) == 0 {
		return model.RawSeries{}, Errorf(KindNoData, EnergyChartsID, "all prices null")
	}
	return series, nil
}

func inferStep(stamps []gjson.Result) time.Duration {
	if len(stamps) < 2 {
		return time.Hour
	}
	step := time.Duration(stamps[1].Int()-stamps[0].Int()) * time.Second
	if step <= 0 {
		return time.Hour
	}
	return step
}

var _ Adapter = (*EnergyCharts)(nil)
