package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Energy units understood by the normalizer.
const (
	UnitMWh = "MWh"
	UnitKWh = "kWh"
	UnitWh  = "Wh"
)

var whPerUnit = map[string]int64{
	strings.ToLower(UnitMWh): 1_000_000,
	strings.ToLower(UnitKWh): 1_000,
	strings.ToLower(UnitWh):  1,
}

// CanonicalUnit maps loosely formatted provider units ("EUR / MWh", "mwh") to a known unit.
func CanonicalUnit(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if idx := strings.LastIndex(u, "/"); idx >= 0 {
		u = strings.TrimSpace(u[idx+1:])
	}
	switch strings.ToLower(u) {
	case "mwh":
		return UnitMWh, nil
	case "kwh":
		return UnitKWh, nil
	case "wh":
		return UnitWh, nil
	}
	return "", fmt.Errorf("unknown energy unit %q", raw)
}

// UnitFactor returns the multiplier turning a price per `from` into a price per `to`.
func UnitFactor(from, to string) (decimal.Decimal, error) {
	f, ok := whPerUnit[strings.ToLower(from)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("unknown energy unit %q", from)
	}
	t, ok := whPerUnit[strings.ToLower(to)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("unknown energy unit %q", to)
	}
	return decimal.NewFromInt(t).Div(decimal.NewFromInt(f)), nil
}
