package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spotprice-engine/internal/model"
	"spotprice-engine/internal/service"
)

// Fetch runs one forced cycle per selected region and prints the results.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	c, closeCache, err := a.newCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	managers, err := a.newManagers(opts.Regions, c, nil)
	if err != nil {
		return err
	}

	svcOpts := service.Options{}
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("database not configured; cannot persist")
		}
		defer closeStore()
		svcOpts.Prices = store
		svcOpts.Cycles = store
	}
	svc := service.New(svcOpts, nil, a.Logger)

	results := make([]model.NormalizedResult, 0, len(managers))
	for _, m := range managers {
		results = append(results, svc.RunCycle(ctx, m, true))
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, res := range results {
		writeResult(os.Stdout, res)
	}
	return nil
}

func writeResult(w io.Writer, res model.NormalizedResult) {
	fmt.Fprintf(w, "%s  source=%s  cached=%t", res.Region, orDash(res.ActiveSource), res.UsingCachedData)
	if len(res.FallbackSources) > 0 {
		fmt.Fprintf(w, "  fallback=%s", strings.Join(res.FallbackSources, ","))
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", sanitizeInline(res.Error))
	}
	if !res.HasData {
		fmt.Fprintln(w)
		return
	}

	unit := fmt.Sprintf("%s/%s", res.Currency, res.Unit)
	fmt.Fprintf(w, "  current: %s %s  next: %s %s\n", formatPtr(res.CurrentPrice, 4), unit, formatPtr(res.NextIntervalPrice, 4), unit)
	writeStats(w, "today", res.TodayStats)
	writeStats(w, "tomorrow", res.TomorrowStats)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  Start\tEnd\tPrice")
	for _, p := range append(res.Today.Points(), res.Tomorrow.Points()...) {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Start.Format("2006-01-02 15:04"), p.End.Format("15:04"), formatDecimal(p.Price, 4))
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func writeStats(w io.Writer, label string, s model.DayStats) {
	if !s.CompleteData {
		fmt.Fprintf(w, "  %s: %d/%d intervals (incomplete)\n", label, s.Intervals, s.Expected)
		return
	}
	fmt.Fprintf(w, "  %s: min %s at %s, max %s at %s, avg %s, peak %s, off-peak %s\n",
		label,
		formatPtr(s.Min, 4), formatTimePtr(s.MinAt),
		formatPtr(s.Max, 4), formatTimePtr(s.MaxAt),
		formatPtr(s.Average, 4), formatPtr(s.PeakAverage, 4), formatPtr(s.OffPeakAverage, 4))
}

func formatPtr(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return formatDecimal(*d, places)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
