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
	upsertRateSampleSQL = `INSERT INTO rate_samples (
        bucket_ts,
        run_id,
        rate,
        buy,
        sell,
        source,
        source_name,
        fallback_used,
        stale,
        mep_rate
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        run_id        = EXCLUDED.run_id,
        rate          = EXCLUDED.rate,
        buy           = EXCLUDED.buy,
        sell          = EXCLUDED.sell,
        source        = EXCLUDED.source,
        source_name   = EXCLUDED.source_name,
        fallback_used = EXCLUDED.fallback_used,
        stale         = EXCLUDED.stale,
        mep_rate      = EXCLUDED.mep_rate;`

	selectRateSampleColumns = `SELECT
        bucket_ts,
        run_id,
        rate::text,
        buy::text,
        sell::text,
        source,
        source_name,
        fallback_used,
        stale,
        mep_rate::text,
        created_at
    FROM rate_samples`

	listSamplesBetweenSQL = selectRateSampleColumns + `
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = selectRateSampleColumns + `
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM rate_samples;`

	insertOpportunitySQL = `INSERT INTO arbitrage_opportunities (
        run_id,
        bucket_ts,
        symbol,
        underlying_symbol,
        certificate_price_usd,
        underlying_price_usd,
        difference_usd,
        difference_pct,
        threshold_pct,
        exchange_rate,
        certificate_price_local,
        recommendation,
        session_active,
        estimated,
        price_source,
        rate_source,
        price_stale,
        rate_stale
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
    )
    ON CONFLICT (bucket_ts, symbol) DO UPDATE
    SET run_id                  = EXCLUDED.run_id,
        certificate_price_usd   = EXCLUDED.certificate_price_usd,
        underlying_price_usd    = EXCLUDED.underlying_price_usd,
        difference_usd          = EXCLUDED.difference_usd,
        difference_pct          = EXCLUDED.difference_pct,
        threshold_pct           = EXCLUDED.threshold_pct,
        exchange_rate           = EXCLUDED.exchange_rate,
        certificate_price_local = EXCLUDED.certificate_price_local,
        recommendation          = EXCLUDED.recommendation,
        session_active          = EXCLUDED.session_active,
        estimated               = EXCLUDED.estimated,
        price_source            = EXCLUDED.price_source,
        rate_source             = EXCLUDED.rate_source,
        price_stale             = EXCLUDED.price_stale,
        rate_stale              = EXCLUDED.rate_stale
    RETURNING id, created_at;`

	selectOpportunityColumns = `SELECT
        id,
        run_id,
        bucket_ts,
        symbol,
        underlying_symbol,
        certificate_price_usd::text,
        underlying_price_usd::text,
        difference_usd::text,
        difference_pct::text,
        threshold_pct::text,
        exchange_rate::text,
        certificate_price_local::text,
        recommendation,
        session_active,
        estimated,
        price_source,
        rate_source,
        price_stale,
        rate_stale,
        notified,
        created_at
    FROM arbitrage_opportunities`

	listRecentOpportunitiesSQL = selectOpportunityColumns + `
    ORDER BY bucket_ts DESC, symbol
    LIMIT $1;`

	listOpportunitiesBetweenSQL = selectOpportunityColumns + `
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, symbol;`

	markOpportunityNotifiedSQL = `UPDATE arbitrage_opportunities SET notified = TRUE WHERE id = $1;`

	lastNotifiedSQL = `SELECT MAX(bucket_ts)
    FROM arbitrage_opportunities
    WHERE symbol = $1 AND notified;`

	insertVariationSQL = `INSERT INTO variation_analyses (
        run_id,
        symbol,
        cert_price_yesterday,
        cert_price_today,
        underlying_yesterday,
        underlying_today,
        rate_yesterday,
        rate_today,
        var_certificate,
        var_underlying,
        var_rate,
        dominant_factor,
        rate_yesterday_estimated,
        mode
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    );`

	listRecentVariationsSQL = `SELECT
        id,
        run_id,
        symbol,
        cert_price_yesterday::text,
        cert_price_today::text,
        underlying_yesterday::text,
        underlying_today::text,
        rate_yesterday::text,
        rate_today::text,
        var_certificate::text,
        var_underlying::text,
        var_rate::text,
        dominant_factor,
        rate_yesterday_estimated,
        mode,
        created_at
    FROM variation_analyses
    ORDER BY created_at DESC, symbol
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RateSampleStore defines operations for rate sample persistence.
type RateSampleStore interface {
	UpsertRateSample(ctx context.Context, sample RateSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]RateSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]RateSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// OpportunityStore defines operations for opportunity history.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, rec OpportunityRecord) (OpportunityRecord, error)
	MarkOpportunityNotified(ctx context.Context, id int64) error
	LastNotifiedAt(ctx context.Context, symbol string) (time.Time, bool, error)
	ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error)
	ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error)
}

// VariationStore defines operations for variation history.
type VariationStore interface {
	InsertVariations(ctx context.Context, recs []VariationRecord) error
	ListRecentVariations(ctx context.Context, limit int) ([]VariationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rate samples, opportunities and variations.
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

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
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
		// A failed unlock is released with the session when the connection closes.
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
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

// UpsertRateSample persists or updates a rate sample.
func (s *Store) UpsertRateSample(ctx context.Context, sample RateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var mep any
	if sample.MEPRate.Valid {
		mep = sample.MEPRate.Decimal.String()
	}

	_, execErr := pool.Exec(ctx, upsertRateSampleSQL,
		sample.Bucket,
		sample.RunID.String(),
		sample.Rate.String(),
		sample.Buy.String(),
		sample.Sell.String(),
		sample.Source,
		sample.SourceName,
		sample.FallbackUsed,
		sample.Stale,
		mep,
	)
	if execErr != nil {
		return fmt.Errorf("upsert rate sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]RateSample, error) {
	return s.listSamples(ctx, "list samples between", listSamplesBetweenSQL, from, to)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]RateSample, error) {
	return s.listSamples(ctx, "list recent samples", listRecentSamplesSQL, limit)
}

func (s *Store) listSamples(ctx context.Context, op, query string, args ...any) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	samples := make([]RateSample, 0)
	for rows.Next() {
		sample, scanErr := scanRateSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertOpportunity persists an opportunity, replacing one recorded for the
// same symbol in the same bucket.
func (s *Store) InsertOpportunity(ctx context.Context, rec OpportunityRecord) (OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return OpportunityRecord{}, err
	}

	row := pool.QueryRow(ctx, insertOpportunitySQL,
		rec.RunID.String(),
		rec.Bucket,
		rec.Symbol,
		rec.UnderlyingSymbol,
		rec.CertificatePriceUSD.String(),
		rec.UnderlyingPriceUSD.String(),
		rec.DifferenceUSD.String(),
		rec.DifferencePct.String(),
		rec.ThresholdPct.String(),
		rec.ExchangeRate.String(),
		rec.CertificatePriceLocal.String(),
		rec.Recommendation,
		rec.SessionActive,
		rec.Estimated,
		rec.PriceSource,
		rec.RateSource,
		rec.PriceStale,
		rec.RateStale,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return OpportunityRecord{}, fmt.Errorf("insert opportunity: %w", scanErr)
	}
	return rec, nil
}

// MarkOpportunityNotified flags an opportunity as delivered.
func (s *Store) MarkOpportunityNotified(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markOpportunityNotifiedSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark opportunity notified: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// LastNotifiedAt returns the bucket of the latest delivered opportunity for symbol.
func (s *Store) LastNotifiedAt(ctx context.Context, symbol string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var last sql.NullTime
	if scanErr := pool.QueryRow(ctx, lastNotifiedSQL, symbol).Scan(&last); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last notified: %w", scanErr)
	}
	return last.Time, last.Valid, nil
}

// ListRecentOpportunities lists the latest opportunities.
func (s *Store) ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error) {
	return s.listOpportunities(ctx, "list recent opportunities", listRecentOpportunitiesSQL, limit)
}

// ListOpportunitiesBetween lists opportunities within a time window.
func (s *Store) ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error) {
	return s.listOpportunities(ctx, "list opportunities between", listOpportunitiesBetweenSQL, from, to)
}

func (s *Store) listOpportunities(ctx context.Context, op, query string, args ...any) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]OpportunityRecord, 0)
	for rows.Next() {
		var (
			rec   OpportunityRecord
			runID string
			nums  [7]string
		)
		if err := rows.Scan(
			&rec.ID,
			&runID,
			&rec.Bucket,
			&rec.Symbol,
			&rec.UnderlyingSymbol,
			&nums[0],
			&nums[1],
			&nums[2],
			&nums[3],
			&nums[4],
			&nums[5],
			&nums[6],
			&rec.Recommendation,
			&rec.SessionActive,
			&rec.Estimated,
			&rec.PriceSource,
			&rec.RateSource,
			&rec.PriceStale,
			&rec.RateStale,
			&rec.Notified,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		if err := parseDecimals(nums[:],
			&rec.CertificatePriceUSD,
			&rec.UnderlyingPriceUSD,
			&rec.DifferenceUSD,
			&rec.DifferencePct,
			&rec.ThresholdPct,
			&rec.ExchangeRate,
			&rec.CertificatePriceLocal,
		); err != nil {
			return nil, fmt.Errorf("opportunity %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertVariations persists a batch of analyses in one round trip.
func (s *Store) InsertVariations(ctx context.Context, recs []VariationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertVariationSQL,
			r.RunID.String(),
			r.Symbol,
			r.CertPriceYesterday.String(),
			r.CertPriceToday.String(),
			r.UnderlyingYesterday.String(),
			r.UnderlyingToday.String(),
			r.RateYesterday.String(),
			r.RateToday.String(),
			r.VarCertificate.String(),
			r.VarUnderlying.String(),
			r.VarRate.String(),
			r.DominantFactor,
			r.RateYesterdayEstimated,
			r.Mode,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert variations: %w", err)
	}
	return nil
}

// ListRecentVariations lists the latest analyses.
func (s *Store) ListRecentVariations(ctx context.Context, limit int) ([]VariationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentVariationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent variations: %w", queryErr)
	}
	defer rows.Close()

	records := make([]VariationRecord, 0, limit)
	for rows.Next() {
		var (
			rec   VariationRecord
			runID string
			nums  [9]string
		)
		if err := rows.Scan(
			&rec.ID,
			&runID,
			&rec.Symbol,
			&nums[0],
			&nums[1],
			&nums[2],
			&nums[3],
			&nums[4],
			&nums[5],
			&nums[6],
			&nums[7],
			&nums[8],
			&rec.DominantFactor,
			&rec.RateYesterdayEstimated,
			&rec.Mode,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		if err := parseDecimals(nums[:],
			&rec.CertPriceYesterday,
			&rec.CertPriceToday,
			&rec.UnderlyingYesterday,
			&rec.UnderlyingToday,
			&rec.RateYesterday,
			&rec.RateToday,
			&rec.VarCertificate,
			&rec.VarUnderlying,
			&rec.VarRate,
		); err != nil {
			return nil, fmt.Errorf("variation %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRateSample(rows pgx.Rows) (RateSample, error) {
	var (
		sample RateSample
		runID  string
		nums   [3]string
		mep    sql.NullString
	)

	if err := rows.Scan(
		&sample.Bucket,
		&runID,
		&nums[0],
		&nums[1],
		&nums[2],
		&sample.Source,
		&sample.SourceName,
		&sample.FallbackUsed,
		&sample.Stale,
		&mep,
		&sample.CreatedAt,
	); err != nil {
		return RateSample{}, err
	}

	var err error
	if sample.RunID, err = uuid.Parse(runID); err != nil {
		return RateSample{}, fmt.Errorf("parse run id: %w", err)
	}
	if err := parseDecimals(nums[:], &sample.Rate, &sample.Buy, &sample.Sell); err != nil {
		return RateSample{}, fmt.Errorf("rate sample %s: %w", sample.Bucket.Format(time.RFC3339), err)
	}
	if mep.Valid {
		value, err := decimal.NewFromString(mep.String)
		if err != nil {
			return RateSample{}, fmt.Errorf("parse mep rate: %w", err)
		}
		sample.MEPRate = decimal.NewNullDecimal(value)
	}
	return sample, nil
}

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	if len(src) != len(dst) {
		return fmt.Errorf("parse decimals: %d values for %d fields", len(src), len(dst))
	}
	for i, raw := range src {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", raw, err)
		}
		*dst[i] = value
	}
	return nil
}

// Pool exposes the underlying pool for schema management.
func (s *Store) Pool() (*pgxpool.Pool, error) {
	return s.getPool()
}
