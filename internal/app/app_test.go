package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotprice-engine/internal/cache"
	"spotprice-engine/internal/config"
	"spotprice-engine/internal/storage"
)

// energyChartsStub serves 48 hourly prices of 100 EUR/MWh starting at the requested start.
func energyChartsStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stamps := make([]int64, 0, 48)
		prices := make([]float64, 0, 48)
		for i := 0; i < 48; i++ {
			stamps = append(stamps, start.Add(time.Duration(i)*time.Hour).Unix())
			prices = append(prices, 100)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"unix_seconds": stamps,
			"price":        prices,
			"unit":         "EUR / MWh",
		})
	}))
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 15 * time.Minute},
		Fetch:     config.FetchConfig{BaseTimeout: time.Second},
		Exchange:  config.ExchangeConfig{Provider: "static", Base: "EUR", Rates: map[string]decimal.Decimal{"sek": decimal.RequireFromString("11.5")}},
		Sources: map[string]config.SourceConfig{
			"energycharts": {BaseURL: baseURL},
		},
		Regions: []config.RegionConfig{
			{ID: "DE", Currency: "EUR", Timezone: "Europe/Berlin", Sources: []string{"energycharts"}},
			{ID: "SE3", Currency: "SEK", Timezone: "Europe/Stockholm", Sources: []string{"energycharts"}, DisplayUnit: "MWh"},
		},
		Export: config.ExportConfig{MaxDataPoints: 10},
	}
}

func TestManagersFetchThroughConfiguredSource(t *testing.T) {
	srv := energyChartsStub(t)
	defer srv.Close()

	a := NewApp(testConfig(srv.URL), zerolog.Nop())
	c := cache.New(cache.Options{}, zerolog.Nop())
	managers, err := a.newManagers(nil, c, nil)
	require.NoError(t, err)
	require.Len(t, managers, 2)

	de := managers[0].Fetch(context.Background(), true)
	require.True(t, de.HasData, de.Error)
	assert.Equal(t, "energycharts", de.ActiveSource)
	require.NotNil(t, de.CurrentPrice)
	assert.True(t, de.CurrentPrice.Equal(decimal.RequireFromString("0.1")), de.CurrentPrice.String())

	se := managers[1].Fetch(context.Background(), true)
	require.True(t, se.HasData, se.Error)
	require.NotNil(t, se.CurrentPrice)
	assert.True(t, se.CurrentPrice.Equal(decimal.NewFromInt(1150)), se.CurrentPrice.String())

	assert.Equal(t, 2, c.Stats().Entries)

	var buf bytes.Buffer
	writeResult(&buf, de)
	out := buf.String()
	assert.Contains(t, out, "DE  source=energycharts  cached=false")
	assert.Contains(t, out, "EUR/kWh")
}

func TestNewManagersRejectsUnknownRegion(t *testing.T) {
	a := NewApp(testConfig("http://127.0.0.1:0"), zerolog.Nop())
	_, err := a.newManagers([]string{"XX"}, cache.New(cache.Options{}, zerolog.Nop()), nil)
	assert.ErrorContains(t, err, "XX")

	managers, err := a.newManagers([]string{"se3"}, cache.New(cache.Options{}, zerolog.Nop()), nil)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, "SE3", managers[0].Region().ID)
}

func TestDownsampleRecords(t *testing.T) {
	records := make([]storage.PriceRecord, 10)
	for i := range records {
		records[i].Price = decimal.NewFromInt(int64(i))
	}
	got := downsampleRecords(records, 4)
	require.Len(t, got, 4)
	assert.True(t, got[0].Price.Equal(decimal.Zero))
	assert.True(t, got[3].Price.Equal(decimal.NewFromInt(9)))
	assert.Len(t, downsampleRecords(records, 20), 10)
	assert.Len(t, downsampleRecords(records, 1), 1)
}

func TestWritePricesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "prices.csv")
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	records := []storage.PriceRecord{{
		Region: "DE", Start: start, End: start.Add(time.Hour), Price: decimal.RequireFromString("0.1234"),
		Currency: "EUR", Unit: "kWh", Source: "energycharts", UpdatedAt: start,
	}}
	require.NoError(t, writePricesCSV(path, records))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "region,interval_start,interval_end,price,currency,unit,source,updated_at", lines[0])
	assert.Equal(t, "DE,2025-06-02T00:00:00Z,2025-06-02T01:00:00Z,0.1234,EUR,kWh,energycharts,2025-06-02T00:00:00Z", lines[1])
}

func TestWriteCycles(t *testing.T) {
	price := decimal.RequireFromString("1.5")
	msg := "nordpool: timeout\nafter 3 attempts"
	var buf bytes.Buffer
	writeCycles(&buf, []storage.FetchCycle{{
		Region:          "SE3",
		StartedAt:       time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		ActiveSource:    "energycharts",
		FallbackSources: []string{"nordpool"},
		HasData:         true,
		CurrentPrice:    &price,
		Currency:        "SEK",
		Error:           &msg,
	}})
	out := buf.String()
	assert.Contains(t, out, "2025-06-02T08:00:00Z")
	assert.Contains(t, out, "1.5000 SEK")
	assert.Contains(t, out, "nordpool: timeout after 3 attempts")
}
