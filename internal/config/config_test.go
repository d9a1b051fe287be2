package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
fetch:
  interval_minutes: 60
  base_timeout: 3s
  windows: ["00:00-01:00", "13:00-14:30"]
exchange:
  provider: static
  base: eur
  rates:
    sek: 11.5
    nok: "11.7"
sources:
  nordpool:
    timeout: 20s
    min_intervals: 20
    zones:
      se3: SE3
  entsoe:
    api_key: secret
regions:
  - id: se3
    currency: sek
    timezone: Europe/Stockholm
    sources: [nordpool, energycharts, entsoe]
    vat_rate: 0.25
    display_unit: kWh
    subunit: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Fetch.IntervalMinutes)
	assert.Equal(t, 3*time.Second, cfg.Fetch.BaseTimeout)
	assert.Equal(t, 3, cfg.Fetch.Attempts)
	assert.Equal(t, 6*time.Hour, cfg.Cache.TTL)
	require.Len(t, cfg.Windows(), 2)
	assert.Equal(t, 13*60, cfg.Windows()[1].Start)
	assert.Equal(t, 14*60+30, cfg.Windows()[1].End)

	assert.Equal(t, "EUR", cfg.Exchange.Base)
	assert.True(t, cfg.Exchange.Rates["sek"].Equal(decimal.RequireFromString("11.5")))
	assert.True(t, cfg.Exchange.Rates["nok"].Equal(decimal.RequireFromString("11.7")))

	require.Len(t, cfg.Regions, 1)
	region := cfg.Regions[0].Model()
	assert.Equal(t, "SE3", region.ID)
	assert.Equal(t, "SEK", region.Currency)
	assert.Equal(t, []string{"nordpool", "energycharts", "entsoe"}, region.SourcePriority)
	assert.True(t, region.VATRate.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, region.Subunit)

	opts := cfg.SourceOptions("nordpool")
	assert.Equal(t, 20*time.Second, opts.Timeout)
	assert.Equal(t, "SE3", opts.Zones["SE3"])
	assert.Equal(t, "secret", cfg.SourceOptions("entsoe").APIKey)
	assert.Equal(t, map[string]int{"nordpool": 20}, cfg.MinIntervals())
	assert.Equal(t, []string{"energycharts", "entsoe", "nordpool"}, cfg.SourceIDs())

	_, ok := cfg.Region("se3")
	assert.True(t, ok)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SPOTPRICE_FETCH_INTERVAL_MINUTES", "45")
	t.Setenv("SPOTPRICE_CACHE_TTL", "2h")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Fetch.IntervalMinutes)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown source": `
regions:
  - id: DE
    currency: EUR
    sources: [carrier-pigeon]
`,
		"bad window": `
fetch:
  windows: ["25:00-26:00"]
`,
		"no sources": `
regions:
  - id: DE
    currency: EUR
`,
		"bad provider": `
exchange:
  provider: abacus
`,
		"telegram without token": `
alerting:
  telegram:
    enabled: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestExampleConfigToleratesShortDays(t *testing.T) {
	t.Setenv("SPOTPRICE_ALERTING_TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("SPOTPRICE_ALERTING_TELEGRAM_CHAT_ID", "chat")

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)

	// a spring-forward day has 23 hourly intervals
	minimums := cfg.MinIntervals()
	require.NotEmpty(t, minimums)
	for id, n := range minimums {
		assert.LessOrEqual(t, n, 23, id)
	}
}
