package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// CacheStats lists the entries mirrored in Redis with their age and remaining expiry.
func (a *App) CacheStats(ctx context.Context) error {
	mirror, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	if mirror == nil {
		return errors.New("redis not enabled; the in-memory cache only lives inside the daemon")
	}
	defer mirror.Close()

	entries, err := mirror.Load(ctx)
	if err != nil {
		return err
	}
	ttls, err := mirror.TTLs(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "cache is empty")
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})

	now := time.Now()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tSource\tAge\tExpires in\tToday\tTomorrow")
	for _, e := range entries {
		ttl := ttls[mirror.KeyOf(e.Key)]
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\n",
			e.Key.String(),
			orDash(e.Data.ActiveSource),
			e.Age(now).Round(time.Second),
			ttl.Round(time.Second),
			e.Data.Today.Len(),
			e.Data.Tomorrow.Len(),
		)
	}
	writer.Flush()
	return nil
}

// CacheClear removes the mirrored entries of region.
func (a *App) CacheClear(ctx context.Context, region string) error {
	if region == "" {
		return errors.New("region is required")
	}
	mirror, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	if mirror == nil {
		return errors.New("redis not enabled; restart the daemon to drop its in-memory cache")
	}
	defer mirror.Close()

	region = strings.ToUpper(region)
	if err := mirror.Delete(ctx, region); err != nil {
		return err
	}
	a.Logger.Info().Str("region", region).Msg("cache cleared")
	return nil
}

// Migrate applies the SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations finished")
	return nil
}
