package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/storage"
)

// SourceCCLHistory marks samples recovered from the exchange's CCL index.
const SourceCCLHistory = "byma_ccl_history"

// marketClose is the local session close used as the bucket of a daily sample.
const marketClose = 17 * time.Hour

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// Backfill records one daily CCL sample per business day in [From, To).
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	var rateStore storage.RateSampleStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
		rateStore = store
	}

	eng, err := a.newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	b := backfiller{calendar: eng.calendar, history: eng.byma, store: rateStore, logger: a.Logger}
	processed, failed, err := b.run(ctx, opts.From, opts.To)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some days failed to backfill, see log")
	}
	return nil
}

type backfiller struct {
	calendar *fetcher.Calendar
	history  fetcher.HistoricalRateSource
	store    storage.RateSampleStore
	logger   zerolog.Logger
}

func (b backfiller) run(ctx context.Context, from, to time.Time) (int, int, error) {
	start := startOfDay(from)
	if !start.Before(to) {
		return 0, 0, errors.New("backfill range is empty, check --from/--to")
	}

	runID := uuid.New()
	processed, failed := 0, 0
	for day := start; day.Before(to); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return processed, failed, ctx.Err()
		default:
		}
		if !b.calendar.IsBusinessDay(day) {
			continue
		}

		// The index answers for the business day before its argument.
		rate, err := b.history.HistoricalCCL(ctx, day.AddDate(0, 0, 1))
		if err != nil {
			failed++
			b.logger.Error().Err(err).Str("day", day.Format(time.DateOnly)).Msg("backfill failed")
			continue
		}

		sample := storage.RateSample{
			Bucket:     day.Add(marketClose).UTC(),
			RunID:      runID,
			Rate:       rate,
			Buy:        rate,
			Sell:       rate,
			Source:     SourceCCLHistory,
			SourceName: "BYMA CCL index",
			CreatedAt:  time.Now().UTC(),
		}
		if b.store != nil {
			if err := b.store.UpsertRateSample(ctx, sample); err != nil {
				failed++
				b.logger.Error().Err(err).Time("bucket", sample.Bucket).Msg("failed to upsert backfilled sample")
				continue
			}
		}
		b.logger.Debug().Time("bucket", sample.Bucket).Str("rate", rate.String()).Msg("sample backfilled")
		processed++
	}
	return processed, failed, nil
}

func startOfDay(t time.Time) time.Time {
	local := t.In(fetcher.BuenosAires)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, fetcher.BuenosAires)
}
