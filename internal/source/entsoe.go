package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotprice-engine/internal/model"
)

const (
	defaultEntsoeURL = "https://web-api.tp.entsoe.eu/api"
	entsoeTimeLayout = "200601021504"
)

// EIC bidding zone codes for the areas we know by short name.
var entsoeZones = map[string]string{
	"SE1": "10Y1001A1001A44P",
	"SE2": "10Y1001A1001A45N",
	"SE3": "10Y1001A1001A46L",
	"SE4": "10Y1001A1001A47J",
	"NO1": "10YNO-1--------2",
	"NO2": "10YNO-2--------T",
	"NO3": "10YNO-3--------J",
	"NO4": "10YNO-4--------9",
	"NO5": "10Y1001A1001A48H",
	"DK1": "10YDK-1--------W",
	"DK2": "10YDK-2--------M",
	"FI":  "10YFI-1--------U",
	"EE":  "10Y1001A1001A39I",
	"LV":  "10YLV-1001A00074",
	"LT":  "10YLT-1001A0008Q",
	"DE":  "10Y1001A1001A82H",
	"NL":  "10YNL----------L",
	"BE":  "10YBE----------2",
	"FR":  "10YFR-RTE------C",
	"AT":  "10YAT-APG------L",
	"PL":  "10YPL-AREA-----S",
}

// Entsoe reads the ENTSO-E transparency platform (document type A44).
type Entsoe struct {
	opts    Options
	baseURL string
	http    *httpGetter
	logger  zerolog.Logger
}

// NewEntsoe constructs the adapter.
func NewEntsoe(opts Options, logger zerolog.Logger) *Entsoe {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultEntsoeURL
	}
	l := logger.With().Str("component", "source").Str("source", EntsoeID).Logger()
	return &Entsoe{opts: opts, baseURL: baseURL, http: newHTTPGetter(EntsoeID, opts, l), logger: l}
}

// ID implements Adapter.
func (e *Entsoe) ID() string { return EntsoeID }

// FetchRaw requests a window from the UTC day of reference through the next two days.
func (e *Entsoe) FetchRaw(ctx context.Context, region string, reference time.Time) (RawPayload, error) {
	if strings.TrimSpace(e.opts.APIKey) == "" {
		return RawPayload{}, Errorf(KindAuthentication, EntsoeID, "api key not configured")
	}

	area := zoneFor(e.opts.Zones, entsoeZones, region)
	start := reference.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	end := start.Add(72 * time.Hour)

	q := url.Values{}
	q.Set("documentType", "A44")
	q.Set("in_Domain", area)
	q.Set("out_Domain", area)
	q.Set("periodStart", start.Format(entsoeTimeLayout))
	q.Set("periodEnd", end.Format(entsoeTimeLayout))
	q.Set("securityToken", e.opts.APIKey)

	body, err := e.http.get(ctx, e.baseURL+"?"+q.Encode(), http.Header{"Accept": {"application/xml"}})
	if err != nil {
		return RawPayload{}, err
	}
	return RawPayload{
		SourceID:  EntsoeID,
		Region:    region,
		Reference: reference,
		FetchedAt: time.Now().UTC(),
		Parts:     [][]byte{body},
	}, nil
}

type entsoeDocument struct {
	XMLName    xml.Name           `xml:"Publication_MarketDocument"`
	TimeSeries []entsoeTimeSeries `xml:"TimeSeries"`
}

type entsoeTimeSeries struct {
	Currency    string         `xml:"currency_Unit.name"`
	MeasureUnit string         `xml:"price_Measure_Unit.name"`
	Periods     []entsoePeriod `xml:"Period"`
}

type entsoePeriod struct {
	Start      string        `xml:"timeInterval>start"`
	End        string        `xml:"timeInterval>end"`
	Resolution string        `xml:"resolution"`
	Points     []entsoePoint `xml:"Point"`
}

type entsoePoint struct {
	Position int    `xml:"position"`
	Amount   string `xml:"price.amount"`
}

type entsoeAcknowledgement struct {
	XMLName xml.Name `xml:"Acknowledgement_MarketDocument"`
	Reason  struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// Parse implements Adapter. Positions omitted by the A03 curve type repeat the
// previous price, so gaps are filled forward within a period.
func (e *Entsoe) Parse(payload RawPayload) (model.RawSeries, error) {
	if payload.Empty() {
		return model.RawSeries{}, Errorf(KindNoData, EntsoeID, "empty payload")
	}
	body := payload.Parts[0]

	if bytes.Contains(body, []byte("Acknowledgement_MarketDocument")) {
		var ack entsoeAcknowledgement
		if err := xml.Unmarshal(body, &ack); err != nil {
			return model.RawSeries{}, NewError(KindDataFormat, EntsoeID, fmt.Errorf("decode acknowledgement: %w", err))
		}
		return model.RawSeries{}, Errorf(KindNoData, EntsoeID, "acknowledgement %s: %s", ack.Reason.Code, ack.Reason.Text)
	}

	var doc entsoeDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return model.RawSeries{}, NewError(KindDataFormat, EntsoeID, fmt.Errorf("decode document: %w", err))
	}

	series := model.RawSeries{Unit: model.UnitMWh, Timezone: "UTC"}
	seen := make(map[int64]struct{})
	for _, ts := range doc.TimeSeries {
		if ts.Currency != "" {
			series.Currency = ts.Currency
		}
		if ts.MeasureUnit != "" {
			u, err := model.CanonicalUnit(ts.MeasureUnit)
			if err != nil {
				return model.RawSeries{}, NewError(KindDataFormat, EntsoeID, err)
			}
			series.Unit = u
		}
		for _, period := range ts.Periods {
			points, err := expandPeriod(period)
			if err != nil {
				return model.RawSeries{}, NewError(KindDataFormat, EntsoeID, err)
			}
			for _, p := range points {
				if _, dup := seen[p.Start.Unix()]; dup {
					continue
				}
				seen[p.Start.Unix()] = struct{}{}
				series.Points = append(series.Points, p)
			}
		}
	}

	if series.Currency == "" {
		series.Currency = "EUR"
	}
	if len(series.Points) == 0 {
		return model.RawSeries{}, Errorf(KindNoData, EntsoeID, "document carries no points")
	}
	return series, nil
}

func expandPeriod(p entsoePeriod) ([]model.RawPoint, error) {
	start, err := time.Parse("2006-01-02T15:04Z", p.Start)
	if err != nil {
		return nil, fmt.Errorf("period start %q: %w", p.Start, err)
	}
	end, err := time.Parse("2006-01-02T15:04Z", p.End)
	if err != nil {
		return nil, fmt.Errorf("period end %q: %w", p.End, err)
	}
	step, err := parseResolution(p.Resolution)
	if err != nil {
		return nil, err
	}
	slots := int(end.Sub(start) / step)
	if slots <= 0 {
		return nil, fmt.Errorf("period %s-%s is empty", p.Start, p.End)
	}

	byPos := make(map[int]decimal.Decimal, len(p.Points))
	for _, pt := range p.Points {
		amount, err := decimal.NewFromString(strings.TrimSpace(pt.Amount))
		if err != nil {
			return nil, fmt.Errorf("position %d amount %q: %w", pt.Position, pt.Amount, err)
		}
		byPos[pt.Position] = amount
	}

	out := make([]model.RawPoint, 0, slots)
	var last *decimal.Decimal
	for pos := 1; pos <= slots; pos++ {
		if v, ok := byPos[pos]; ok {
			v := v
			last = &v
		}
		if last == nil {
			continue
		}
		s := start.Add(time.Duration(pos-1) * step)
		out = append(out, model.RawPoint{Start: s, End: s.Add(step), Price: *last})
	}
	return out, nil
}

func parseResolution(r string) (time.Duration, error) {
	switch strings.TrimSpace(r) {
	case "PT15M":
		return 15 * time.Minute, nil
	case "PT30M":
		return 30 * time.Minute, nil
	case "PT60M", "PT1H":
		return time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported resolution %q", r)
}

var _ Adapter = (*Entsoe)(nil)
