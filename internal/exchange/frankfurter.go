package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"spotprice-engine/internal/clock"
)

const (
	DefaultFrankfurterURL = "https://api.frankfurter.app"
	DefaultRateTTL        = 6 * time.Hour
	frankfurterBase       = "EUR"
)

type FrankfurterOptions struct {
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
	Clock   clock.Clock
}

// Frankfurter pulls ECB reference rates and keeps them for TTL. When a refresh
// fails, the previous rates keep serving until a refresh succeeds.
type Frankfurter struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
	group   singleflight.Group

	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

type frankfurterResponse struct {
	Amount decimal.Decimal            `json:"amount"`
	Base   string                     `json:"base"`
	Date   string                     `json:"date"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

func NewFrankfurter(opts FrankfurterOptions, logger zerolog.Logger) *Frankfurter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultFrankfurterURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRateTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Frankfurter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  logger.With().Str("component", "exchange").Str("provider", "frankfurter").Logger(),
	}
}

// Convert implements Converter.
func (f *Frankfurter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return amount, nil
	}
	rates, err := f.Rates(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return convertWith(rates, amount, from, to)
}

// Rates returns EUR-based rates, refreshing them when older than the TTL.
func (f *Frankfurter) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.mu.RLock()
	rates, fetchedAt := f.rates, f.fetchedAt
	f.mu.RUnlock()
	if rates != nil && f.clock.Now().Sub(fetchedAt) < f.ttl {
		return rates, nil
	}

	v, err, _ := f.group.Do("latest", func() (any, error) {
		return f.refresh(ctx)
	})
	if err != nil {
		if rates != nil {
			f.logger.Warn().Err(err).Time("fetched_at", fetchedAt).Msg("refresh failed, serving previous rates")
			return rates, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrRateUnavailable, err)
	}
	return v.(map[string]decimal.Decimal), nil
}

func (f *Frankfurter) refresh(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/latest?from="+frankfurterBase, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var data frankfurterResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if len(data.Rates) == 0 {
		return nil, fmt.Errorf("response carries no rates")
	}

	rates := make(map[string]decimal.Decimal, len(data.Rates)+1)
	for k, v := range data.Rates {
		rates[strings.ToUpper(k)] = v
	}
	rates[frankfurterBase] = decimal.NewFromInt(1)

	f.mu.Lock()
	f.rates = rates
	f.fetchedAt = f.clock.Now()
	f.mu.Unlock()

	f.logger.Debug().Int("count", len(rates)).Str("date", data.Date).Msg("rates refreshed")
	return rates, nil
}
