package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnergyChartsParse(t *testing.T) {
	var path, bzn string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, bzn = r.URL.Path, r.URL.Query().Get("bzn")
		_, _ = w.Write([]byte(`{"license_info":"CC BY 4.0","unix_seconds":[1748815200,1748816100,1748817000,1748817900],"price":[80.5,81,null,79.25],"unit":"EUR / MWh","deprecated":false}`))
	}))
	defer srv.Close()

	ec := NewEnergyCharts(Options{BaseURL: srv.URL, RequestsPerSecond: 100}, noopLogger())
	payload, err := ec.FetchRaw(context.Background(), "DE", time.Unix(1748815200, 0))
	require.NoError(t, err)
	assert.Equal(t, "/price", path)
	assert.Equal(t, "DE-LU", bzn, "DE maps to the DE-LU bidding zone")

	series, err := ec.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, 3, series.Len(), "null prices are skipped")
	assert.Equal(t, 15*time.Minute, series.Interval())
	assert.Equal(t, "EUR", series.Currency)
	assert.Equal(t, "MWh", series.Unit)
	assert.True(t, series.Points[2].Price.Equal(decimal.RequireFromString("79.25")), series.Points[2].Price.String())
}

func TestEnergyChartsWindowCoversLocalDays(t *testing.T) {
	var start, end string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, end = r.URL.Query().Get("start"), r.URL.Query().Get("end")
		_, _ = w.Write([]byte(`{"unix_seconds":[1748815200],"price":[1],"unit":"EUR / MWh"}`))
	}))
	defer srv.Close()

	helsinki, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	ec := NewEnergyCharts(Options{BaseURL: srv.URL, RequestsPerSecond: 100}, noopLogger())
	_, err = ec.FetchRaw(context.Background(), "FI", time.Date(2025, 6, 2, 12, 0, 0, 0, helsinki))
	require.NoError(t, err)

	gotStart, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	gotEnd, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	// Helsinki midnight precedes Berlin midnight; Berlin's second midnight comes last.
	assert.True(t, gotStart.Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, helsinki)), start)
	assert.True(t, gotEnd.Equal(time.Date(2025, 6, 4, 0, 0, 0, 0, energyChartsDay)), end)
}

func TestEnergyChartsMismatchedArrays(t *testing.T) {
	ec := NewEnergyCharts(Options{}, noopLogger())
	_, err := ec.Parse(RawPayload{Parts: [][]byte{[]byte(`{"unix_seconds":[1,2],"price":[1]}`)}})
	assert.Equal(t, KindDataFormat, KindOf(err))

	_, err = ec.Parse(RawPayload{Parts: [][]byte{[]byte(`{"unix_seconds":[],"price":[]}`)}})
	assert.Equal(t, KindNoData, KindOf(err))
}
