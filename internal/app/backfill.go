package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spotprice-engine/internal/failures"
	"spotprice-engine/internal/fallback"
	"spotprice-engine/internal/normalize"
	"spotprice-engine/internal/source"
	"spotprice-engine/internal/storage"
)

// Backfill fetches historical days of one region and stores their prices. Each day is
// fetched with a reference of local noon so the day lands in the "today" window.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	region, ok := a.Config.Region(opts.Region)
	if !ok {
		return fmt.Errorf("region %s is not configured", strings.ToUpper(opts.Region))
	}
	rc := region.Model()
	loc, err := rc.Location()
	if err != nil {
		return err
	}

	start := localDay(opts.From, loc)
	end := opts.To.In(loc)
	if !start.Before(end) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	var prices storage.PriceStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written to the database")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
		prices = store
	}

	adapters, err := a.newAdapters()
	if err != nil {
		return err
	}
	ordered := make([]source.Adapter, 0, len(rc.SourcePriority))
	for _, id := range rc.SourcePriority {
		ordered = append(ordered, adapters[id])
	}

	fopts := a.fallbackOptions(nil)
	fopts.Recorder = failures.New(failures.Options{Window: a.Config.Failures.Window})
	orch := fallback.New(fopts, a.Logger)
	norm := normalize.New(a.newConverter(), a.Logger)
	log := a.Logger.With().Str("region", rc.ID).Logger()

	processed, failed := 0, 0
	for day := start; day.Before(end); day = localDay(day.AddDate(0, 0, 1).Add(time.Hour), loc) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ref := day.Add(12 * time.Hour)
		fr := orch.FetchWithFallback(ctx, ordered, rc.ID, ref)
		if !fr.HasData() {
			failed++
			log.Error().Err(fr.Err).Time("day", day).Msg("backfill fetch failed")
			continue
		}
		res, err := norm.Normalize(ctx, normalize.Input{
			Region:         rc.ID,
			Raw:            fr.Raw,
			Location:       loc,
			TargetCurrency: rc.Currency,
			DisplayUnit:    rc.DisplayUnit,
			Subunit:        rc.Subunit,
			VATRate:        rc.VATRate,
			Reference:      ref,
			LastUpdate:     time.Now(),
			ActiveSource:   fr.SourceID,
		})
		if err != nil {
			failed++
			log.Error().Err(err).Time("day", day).Msg("backfill normalize failed")
			continue
		}

		records := storage.RecordsFromResult(res)
		if prices != nil {
			if err := prices.UpsertPrices(ctx, records); err != nil {
				failed++
				log.Error().Err(err).Time("day", day).Msg("backfill persist failed")
				continue
			}
		}
		processed++
		log.Info().Time("day", day).Str("source", fr.SourceID).Int("intervals", len(records)).Msg("day backfilled")
	}

	log.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d days failed to backfill; check the logs", failed, processed+failed)
	}
	return nil
}

func localDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
