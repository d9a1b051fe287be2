// Package exchange converts prices between currencies.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable is returned when no rate is known for a currency pair.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Converter turns an amount in one currency into another.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Static converts with fixed rates expressed as units per one base currency unit.
type Static struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewStatic builds a converter from rates quoted against base (e.g. EUR: {"SEK": 11.5}).
func NewStatic(base string, rates map[string]decimal.Decimal) *Static {
	base = strings.ToUpper(base)
	s := &Static{base: base, rates: make(map[string]decimal.Decimal, len(rates)+1)}
	for k, v := range rates {
		s.rates[strings.ToUpper(k)] = v
	}
	s.rates[base] = decimal.NewFromInt(1)
	return s
}

func (s *Static) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	return convertWith(s.rates, amount, from, to)
}

// convertWith applies amount * rate(to) / rate(from) using rates quoted against one base.
func convertWith(rates map[string]decimal.Decimal, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	rf, ok := rates[from]
	if !ok || rf.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrRateUnavailable, from)
	}
	rt, ok := rates[to]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrRateUnavailable, to)
	}
	return amount.Mul(rt).Div(rf), nil
}

var (
	_ Converter = (*Static)(nil)
	_ Converter = (*Frankfurter)(nil)
)
