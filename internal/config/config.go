package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"spotprice-engine/internal/logging"
	"spotprice-engine/internal/model"
	"spotprice-engine/internal/ratelimit"
	"spotprice-engine/internal/source"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Logging   logging.Config          `mapstructure:"logging"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Fetch     FetchConfig             `mapstructure:"fetch"`
	Cache     CacheConfig             `mapstructure:"cache"`
	Failures  FailuresConfig          `mapstructure:"failures"`
	Exchange  ExchangeConfig          `mapstructure:"exchange"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Regions   []RegionConfig          `mapstructure:"regions"`
	Alerting  AlertingConfig          `mapstructure:"alerting"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Export    ExportConfig            `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig enables the cache mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SchedulerConfig governs the tick cadence of the daemon.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	// SweepSchedule is a cron expression for cache housekeeping.
	SweepSchedule string `mapstructure:"sweep_schedule"`
	// HistoryRetention bounds the fetch cycle history; zero keeps everything.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// FetchConfig tunes the rate limiter and the fallback retry schedule.
type FetchConfig struct {
	IntervalMinutes  int           `mapstructure:"interval_minutes"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	Windows          []string      `mapstructure:"windows"`
	Attempts         int           `mapstructure:"attempts"`
	BaseTimeout      time.Duration `mapstructure:"base_timeout"`
	Multiplier       float64       `mapstructure:"multiplier"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// CacheConfig sets the in-memory cache behaviour.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

// FailuresConfig tunes source deprioritisation.
type FailuresConfig struct {
	Window             time.Duration `mapstructure:"window"`
	ValidationInterval time.Duration `mapstructure:"validation_interval"`
}

// ExchangeConfig selects the currency conversion backend.
type ExchangeConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TTL      time.Duration `mapstructure:"ttl"`
	// Base and Rates feed the static provider: 1 Base = Rates[code] code.
	Base  string                     `mapstructure:"base"`
	Rates map[string]decimal.Decimal `mapstructure:"rates"`
}

// SourceConfig parameterises one provider adapter.
type SourceConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	APIKey            string            `mapstructure:"api_key"`
	Currency          string            `mapstructure:"currency"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	UserAgent         string            `mapstructure:"user_agent"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Burst             int               `mapstructure:"burst"`
	MinIntervals      int               `mapstructure:"min_intervals"`
	Zones             map[string]string `mapstructure:"zones"`
}

// RegionConfig describes one bidding zone served by a manager.
type RegionConfig struct {
	ID          string          `mapstructure:"id"`
	Currency    string          `mapstructure:"currency"`
	Timezone    string          `mapstructure:"timezone"`
	Sources     []string        `mapstructure:"sources"`
	VATRate     decimal.Decimal `mapstructure:"vat_rate"`
	DisplayUnit string          `mapstructure:"display_unit"`
	Subunit     bool            `mapstructure:"subunit"`
}

// AlertingConfig defines degradation alerts and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// FailureThreshold is the number of consecutive failed cycles before a region counts as degraded.
	FailureThreshold int            `mapstructure:"failure_threshold"`
	Cooldown         time.Duration  `mapstructure:"cooldown"`
	Channels         []string       `mapstructure:"channels"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPOTPRICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spotprice")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "spotprice:cache")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73706f74))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.sweep_schedule", "@every 30m")
	v.SetDefault("scheduler.history_retention", "720h")

	v.SetDefault("fetch.interval_minutes", 30)
	v.SetDefault("fetch.grace_period", "5m")
	v.SetDefault("fetch.windows", []string{"00:00-01:00", "13:00-14:00"})
	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.base_timeout", "2s")
	v.SetDefault("fetch.multiplier", 3.0)
	v.SetDefault("fetch.rate_limit_backoff", "1s")
	v.SetDefault("fetch.max_backoff", "1m")

	v.SetDefault("cache.ttl", "6h")
	v.SetDefault("cache.mirror_timeout", "2s")

	v.SetDefault("failures.window", "24h")
	v.SetDefault("failures.validation_interval", "24h")

	v.SetDefault("exchange.provider", "frankfurter")
	v.SetDefault("exchange.base_url", "https://api.frankfurter.app")
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.ttl", "6h")
	v.SetDefault("exchange.base", "EUR")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.failure_threshold", 3)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringToDecimalHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes YAML numbers and strings into decimal.Decimal.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// normalize fixes the casing viper loses on map keys.
func (c *Config) normalize() {
	for id, src := range c.Sources {
		if len(src.Zones) == 0 {
			continue
		}
		zones := make(map[string]string, len(src.Zones))
		for region, zone := range src.Zones {
			zones[strings.ToUpper(region)] = zone
		}
		src.Zones = zones
		c.Sources[id] = src
	}
	for i := range c.Regions {
		c.Regions[i].ID = strings.ToUpper(strings.TrimSpace(c.Regions[i].ID))
		c.Regions[i].Currency = strings.ToUpper(strings.TrimSpace(c.Regions[i].Currency))
		for j, id := range c.Regions[i].Sources {
			c.Regions[i].Sources[j] = strings.ToLower(strings.TrimSpace(id))
		}
	}
	c.Exchange.Base = strings.ToUpper(c.Exchange.Base)
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Fetch.IntervalMinutes < 0 {
		return fmt.Errorf("fetch.interval_minutes cannot be negative")
	}
	if c.Fetch.Multiplier != 0 && c.Fetch.Multiplier < 1 {
		return fmt.Errorf("fetch.multiplier must be at least 1")
	}
	if _, err := ratelimit.ParseWindows(c.Fetch.Windows); err != nil {
		return fmt.Errorf("fetch.windows: %w", err)
	}
	switch c.Exchange.Provider {
	case "frankfurter", "static":
	default:
		return fmt.Errorf("exchange.provider must be frankfurter or static, got %q", c.Exchange.Provider)
	}

	seen := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if seen[r.ID] {
			return fmt.Errorf("regions: duplicate region %s", r.ID)
		}
		seen[r.ID] = true
		if err := r.Model().Validate(); err != nil {
			return fmt.Errorf("regions: %w", err)
		}
		for _, id := range r.Sources {
			if _, ok := c.Sources[id]; !ok && !builtinSource(id) {
				return fmt.Errorf("regions: region %s references unknown source %q", r.ID, id)
			}
		}
	}
	for id, src := range c.Sources {
		if src.MinIntervals < 0 {
			return fmt.Errorf("sources.%s.min_intervals cannot be negative", id)
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Alerting.FailureThreshold < 1 {
		return fmt.Errorf("alerting.failure_threshold must be at least 1")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func builtinSource(id string) bool {
	switch id {
	case source.NordPoolID, source.EnergyChartsID, source.EntsoeID:
		return true
	}
	return false
}

// Model converts the configured region into the runtime type.
func (r RegionConfig) Model() model.RegionConfig {
	return model.RegionConfig{
		ID:             r.ID,
		Currency:       r.Currency,
		Timezone:       r.Timezone,
		SourcePriority: append([]string(nil), r.Sources...),
		VATRate:        r.VATRate,
		DisplayUnit:    r.DisplayUnit,
		Subunit:        r.Subunit,
	}
}

// Region looks up a configured region by id.
func (c *Config) Region(id string) (RegionConfig, bool) {
	id = strings.ToUpper(id)
	for _, r := range c.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return RegionConfig{}, false
}

// SourceIDs lists every source referenced by a region, sorted.
func (c *Config) SourceIDs() []string {
	set := make(map[string]struct{})
	for _, r := range c.Regions {
		for _, id := range r.Sources {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SourceOptions maps a source section to adapter options.
func (c *Config) SourceOptions(id string) source.Options {
	src := c.Sources[id]
	return source.Options{
		BaseURL:           src.BaseURL,
		APIKey:            src.APIKey,
		Currency:          src.Currency,
		Timeout:           src.Timeout,
		UserAgent:         src.UserAgent,
		RequestsPerSecond: src.RequestsPerSecond,
		Burst:             src.Burst,
		Zones:             src.Zones,
	}
}

// MinIntervals returns the configured minimum coverage per source.
func (c *Config) MinIntervals() map[string]int {
	out := make(map[string]int, len(c.Sources))
	for id, src := range c.Sources {
		if src.MinIntervals > 0 {
			out[id] = src.MinIntervals
		}
	}
	return out
}

// Windows parses the configured publication windows. Load has already validated them.
func (c *Config) Windows() []ratelimit.Window {
	windows, err := ratelimit.ParseWindows(c.Fetch.Windows)
	if err != nil {
		return nil
	}
	return windows
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
