package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spotprice-engine/internal/storage"
)

// Show prints recent fetch cycles.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show fetch cycles")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cycles, err := store.ListRecentCycles(ctx, strings.ToUpper(opts.Region), opts.Limit)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Fprintln(os.Stdout, "no fetch cycles found")
		return nil
	}
	writeCycles(os.Stdout, cycles)
	return nil
}

func writeCycles(out io.Writer, cycles []storage.FetchCycle) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRegion\tSource\tFallback\tCached\tData\tCurrent\tError")

	for _, c := range cycles {
		errMsg := ""
		if c.Error != nil {
			errMsg = sanitizeInline(*c.Error)
		}
		current := "-"
		if c.CurrentPrice != nil {
			current = formatDecimal(*c.CurrentPrice, 4) + " " + c.Currency
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
			c.StartedAt.UTC().Format(time.RFC3339),
			c.Region,
			orDash(c.ActiveSource),
			orDash(strings.Join(c.FallbackSources, ",")),
			c.UsingCachedData,
			c.HasData,
			current,
			errMsg,
		)
	}

	writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
