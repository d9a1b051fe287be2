package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPricePointSQL = `INSERT INTO price_points (
        region,
        interval_start,
        interval_end,
        price,
        currency,
        unit,
        source,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (region, interval_start) DO UPDATE
    SET
        interval_end = EXCLUDED.interval_end,
        price        = EXCLUDED.price,
        currency     = EXCLUDED.currency,
        unit         = EXCLUDED.unit,
        source       = EXCLUDED.source,
        updated_at   = EXCLUDED.updated_at;`

	listPricesBetweenSQL = `SELECT
        region,
        interval_start,
        interval_end,
        price::text,
        currency,
        unit,
        source,
        updated_at
    FROM price_points
    WHERE region = $1
      AND interval_start >= $2
      AND interval_start < $3
    ORDER BY interval_start;`

	countPricesSQL = `SELECT COUNT(*) FROM price_points WHERE region = $1;`

	insertFetchCycleSQL = `INSERT INTO fetch_cycles (
        id,
        region,
        started_at,
        active_source,
        attempted_sources,
        fallback_sources,
        using_cached_data,
        has_data,
        current_price,
        currency,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	listRecentCyclesSQL = `SELECT
        id,
        region,
        started_at,
        active_source,
        attempted_sources,
        fallback_sources,
        using_cached_data,
        has_data,
        current_price::text,
        currency,
        error,
        created_at
    FROM fetch_cycles
    WHERE ($1 = '' OR region = $1)
    ORDER BY started_at DESC
    LIMIT $2;`

	deleteCyclesBeforeSQL = `DELETE FROM fetch_cycles WHERE started_at < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        region,
        kind,
        message,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, region, kind, message, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        region,
        kind,
        message,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceStore persists interval prices.
type PriceStore interface {
	UpsertPrices(ctx context.Context, records []PriceRecord) error
	ListPricesBetween(ctx context.Context, region string, from, to time.Time) ([]PriceRecord, error)
	CountPrices(ctx context.Context, region string) (int64, error)
}

// CycleStore keeps the fetch cycle history.
type CycleStore interface {
	InsertFetchCycle(ctx context.Context, cycle FetchCycle) error
	ListRecentCycles(ctx context.Context, region string, limit int) ([]FetchCycle, error)
	DeleteCyclesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to prices, cycles and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPrices writes records in one batch. Later fetches overwrite earlier values of an interval.
func (s *Store) UpsertPrices(ctx context.Context, records []PriceRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertPricePointSQL,
			r.Region,
			r.Start,
			r.End,
			r.Price.String(),
			r.Currency,
			r.Unit,
			r.Source,
			r.UpdatedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert price %s %s: %w", records[i].Region, records[i].Start.Format(time.RFC3339), err)
		}
	}
	return nil
}

// ListPricesBetween lists stored prices of region with a start in [from, to).
func (s *Store) ListPricesBetween(ctx context.Context, region string, from, to time.Time) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPricesBetweenSQL, region, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list prices between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PriceRecord, 0)
	for rows.Next() {
		var (
			rec      PriceRecord
			priceStr string
		)
		if err := rows.Scan(
			&rec.Region,
			&rec.Start,
			&rec.End,
			&priceStr,
			&rec.Currency,
			&rec.Unit,
			&rec.Source,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		rec.Price = price
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountPrices counts stored intervals of region.
func (s *Store) CountPrices(ctx context.Context, region string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countPricesSQL, region).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count prices: %w", scanErr)
	}
	return count, nil
}

// InsertFetchCycle stores the audit row of one cycle.
func (s *Store) InsertFetchCycle(ctx context.Context, cycle FetchCycle) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if cycle.ID == uuid.Nil {
		cycle.ID = uuid.New()
	}

	var price interface{}
	if cycle.CurrentPrice != nil {
		price = cycle.CurrentPrice.String()
	}
	var errMsg interface{}
	if cycle.Error != nil {
		errMsg = *cycle.Error
	}

	_, execErr := pool.Exec(ctx, insertFetchCycleSQL,
		cycle.ID,
		cycle.Region,
		cycle.StartedAt,
		cycle.ActiveSource,
		nonNil(cycle.AttemptedSources),
		nonNil(cycle.FallbackSources),
		cycle.UsingCachedData,
		cycle.HasData,
		price,
		cycle.Currency,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert fetch cycle: %w", execErr)
	}
	return nil
}

// ListRecentCycles lists the latest cycles, newest first. An empty region lists all regions.
func (s *Store) ListRecentCycles(ctx context.Context, region string, limit int) ([]FetchCycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, region, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	cycles := make([]FetchCycle, 0, limit)
	for rows.Next() {
		cycle, scanErr := scanFetchCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		cycles = append(cycles, cycle)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

// DeleteCyclesBefore prunes the cycle history.
func (s *Store) DeleteCyclesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteCyclesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete cycles before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Region,
		alert.Kind,
		alert.Message,
		nonNil(alert.Channels),
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.Region,
		&rec.Kind,
		&rec.Message,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Region,
			&rec.Kind,
			&rec.Message,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanFetchCycle(rows pgx.Rows) (FetchCycle, error) {
	var (
		cycle    FetchCycle
		priceStr sql.NullString
		errMsg   sql.NullString
	)

	if err := rows.Scan(
		&cycle.ID,
		&cycle.Region,
		&cycle.StartedAt,
		&cycle.ActiveSource,
		&cycle.AttemptedSources,
		&cycle.FallbackSources,
		&cycle.UsingCachedData,
		&cycle.HasData,
		&priceStr,
		&cycle.Currency,
		&errMsg,
		&cycle.CreatedAt,
	); err != nil {
		return FetchCycle{}, err
	}

	if priceStr.Valid {
		price, err := decimal.NewFromString(priceStr.String)
		if err != nil {
			return FetchCycle{}, fmt.Errorf("parse current price: %w", err)
		}
		cycle.CurrentPrice = &price
	}
	if errMsg.Valid {
		msg := errMsg.String
		cycle.Error = &msg
	}
	return cycle, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	_ PriceStore     = (*Store)(nil)
	_ CycleStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
