package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/alerting"
	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/batch"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/metrics"
	"cedear-arbitrage/internal/scheduler"
	"cedear-arbitrage/internal/storage"
	"cedear-arbitrage/internal/variation"
)

// RateQuoter resolves exchange rates.
type RateQuoter interface {
	GetRate(ctx context.Context, preferred string) (fxrate.Quote, error)
	GetMEPRate(ctx context.Context) (fxrate.Quote, error)
}

// OpportunityDetector scans a portfolio for arbitrage.
type OpportunityDetector interface {
	DetectPortfolio(ctx context.Context, symbols []string) ([]arbitrage.Opportunity, []batch.SymbolError)
}

// VariationAnalyzer explains day-over-day moves.
type VariationAnalyzer interface {
	AnalyzePortfolio(ctx context.Context, symbols []string) ([]variation.Analysis, []batch.SymbolError)
}

// Options tune a Service.
type Options struct {
	Symbols    []string
	RateSource string
	TrackMEP   bool
	AlertsOn   bool
	Channels   []string
	Cooldown   time.Duration
	LockKey    int64
	Now        func() time.Time
}

// Deps are the collaborators of a Service. Only Rates and Detector are required.
type Deps struct {
	Scheduler     *scheduler.Scheduler
	Rates         RateQuoter
	Detector      OpportunityDetector
	Analyzer      VariationAnalyzer
	Samples       storage.RateSampleStore
	Opportunities storage.OpportunityStore
	Variations    storage.VariationStore
	Locker        storage.AdvisoryLocker
	Notifier      alerting.Notifier
	Metrics       *metrics.Metrics
}

// ScanReport summarises one scan.
type ScanReport struct {
	Bucket        time.Time               `json:"bucket"`
	RunID         uuid.UUID               `json:"run_id"`
	Rate          fxrate.Quote            `json:"rate"`
	Opportunities []arbitrage.Opportunity `json:"opportunities"`
	Errors        []batch.SymbolError     `json:"errors"`
	Notified      int                     `json:"notified"`
	Skipped       bool                    `json:"skipped,omitempty"`
}

// Service orchestrates scanning, persistence and alerting.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	mu           sync.Mutex
	lastNotified map[string]time.Time
}

// New constructs the monitoring service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Locker == nil {
		if l, ok := deps.Samples.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}
	return &Service{
		opts:         opts,
		deps:         deps,
		logger:       logger.With().Str("component", "service").Logger(),
		lastNotified: make(map[string]time.Time),
	}
}

// Run begins the scheduled scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.ProcessBucket(ctx, bucket)
		return err
	})
}

// ProcessBucket runs a single scan under the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) (ScanReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return ScanReport{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return ScanReport{Bucket: bucket, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) (ScanReport, error) {
	started := s.opts.Now()
	report := ScanReport{Bucket: bucket, RunID: uuid.New()}
	logger := s.logger.With().Time("bucket", bucket).Str("run_id", report.RunID.String()).Logger()

	quote, err := s.deps.Rates.GetRate(ctx, s.opts.RateSource)
	if err != nil {
		return report, fmt.Errorf("fetch exchange rate: %w", err)
	}
	report.Rate = quote
	s.recordSample(ctx, logger, report.RunID, bucket, quote)

	report.Opportunities, report.Errors = s.deps.Detector.DetectPortfolio(ctx, s.opts.Symbols)
	for _, symErr := range report.Errors {
		logger.Warn().Err(symErr.Err).Str("symbol", symErr.Symbol).Msg("symbol skipped")
	}

	for _, opp := range report.Opportunities {
		rec := s.persistOpportunity(ctx, logger, report.RunID, bucket, opp)
		if s.notify(ctx, logger, bucket, opp, rec) {
			report.Notified++
		}
	}

	s.deps.Metrics.ObserveBatch("scan", s.opts.Now().Sub(started).Seconds())
	logger.Info().
		Str("rate", quote.Rate.String()).
		Str("rate_source", quote.SourceID).
		Int("opportunities", len(report.Opportunities)).
		Int("errors", len(report.Errors)).
		Int("notified", report.Notified).
		Msg("scan recorded")
	return report, nil
}

func (s *Service) recordSample(ctx context.Context, logger zerolog.Logger, runID uuid.UUID, bucket time.Time, quote fxrate.Quote) {
	if s.deps.Samples == nil {
		return
	}
	sample := storage.RateSample{
		Bucket:       bucket,
		RunID:        runID,
		Rate:         quote.Rate,
		Buy:          quote.Buy,
		Sell:         quote.Sell,
		Source:       quote.SourceID,
		SourceName:   quote.SourceName,
		FallbackUsed: quote.FallbackUsed,
		Stale:        quote.Stale,
		CreatedAt:    s.opts.Now().UTC(),
	}
	if s.opts.TrackMEP {
		mep, err := s.deps.Rates.GetMEPRate(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("mep rate unavailable")
		} else {
			sample.MEPRate = decimal.NewNullDecimal(mep.Rate)
		}
	}
	if err := s.deps.Samples.UpsertRateSample(ctx, sample); err != nil {
		logger.Error().Err(err).Msg("failed to upsert sample")
	}
}

func (s *Service) persistOpportunity(ctx context.Context, logger zerolog.Logger, runID uuid.UUID, bucket time.Time, opp arbitrage.Opportunity) storage.OpportunityRecord {
	rec := storage.OpportunityRecord{
		RunID:                 runID,
		Bucket:                bucket,
		Symbol:                opp.Symbol,
		UnderlyingSymbol:      opp.UnderlyingSymbol,
		CertificatePriceUSD:   opp.CertificatePriceUSD,
		UnderlyingPriceUSD:    opp.UnderlyingPriceUSD,
		DifferenceUSD:         opp.DifferenceUSD,
		DifferencePct:         opp.DifferencePercentage,
		ThresholdPct:          opp.Threshold,
		ExchangeRate:          opp.ExchangeRate,
		CertificatePriceLocal: opp.CertificatePriceLocal,
		Recommendation:        string(opp.Recommendation),
		SessionActive:         opp.SessionActive,
		Estimated:             opp.Estimated,
		PriceSource:           opp.PriceSource,
		RateSource:            opp.RateSource,
		PriceStale:            opp.PriceStale,
		RateStale:             opp.RateStale,
	}
	if s.deps.Opportunities == nil {
		return rec
	}
	stored, err := s.deps.Opportunities.InsertOpportunity(ctx, rec)
	if err != nil {
		logger.Error().Err(err).Str("symbol", opp.Symbol).Msg("failed to persist opportunity")
		return rec
	}
	return stored
}

// notify delivers an alert unless the symbol is inside its cooldown window.
func (s *Service) notify(ctx context.Context, logger zerolog.Logger, bucket time.Time, opp arbitrage.Opportunity, rec storage.OpportunityRecord) bool {
	if !s.opts.AlertsOn || s.deps.Notifier == nil {
		return false
	}
	now := s.opts.Now()
	if s.inCooldown(ctx, opp.Symbol, now) {
		logger.Debug().Str("symbol", opp.Symbol).Msg("alert suppressed by cooldown")
		return false
	}

	note := alerting.Notification{Bucket: bucket, Opportunity: opp, Channels: s.opts.Channels}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Str("symbol", opp.Symbol).Msg("failed to dispatch alert")
		return false
	}

	s.mu.Lock()
	s.lastNotified[opp.Symbol] = now
	s.mu.Unlock()

	if s.deps.Opportunities != nil && rec.ID != 0 {
		if err := s.deps.Opportunities.MarkOpportunityNotified(ctx, rec.ID); err != nil {
			logger.Error().Err(err).Int64("id", rec.ID).Msg("failed to mark opportunity notified")
		}
	}
	return true
}

func (s *Service) inCooldown(ctx context.Context, symbol string, now time.Time) bool {
	if s.opts.Cooldown <= 0 {
		return false
	}

	s.mu.Lock()
	last, ok := s.lastNotified[symbol]
	s.mu.Unlock()

	if !ok && s.deps.Opportunities != nil {
		stored, found, err := s.deps.Opportunities.LastNotifiedAt(ctx, symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("cooldown lookup failed")
		} else if found {
			last, ok = stored, true
		}
	}
	return ok && now.Sub(last) < s.opts.Cooldown
}

// RecordVariations analyses the portfolio and persists the results.
func (s *Service) RecordVariations(ctx context.Context) ([]variation.Analysis, []batch.SymbolError, error) {
	if s.deps.Analyzer == nil {
		return nil, nil, fmt.Errorf("variation analyzer not configured")
	}
	analyses, errs := s.deps.Analyzer.AnalyzePortfolio(ctx, s.opts.Symbols)
	if s.deps.Variations == nil || len(analyses) == 0 {
		return analyses, errs, nil
	}

	runID := uuid.New()
	recs := make([]storage.VariationRecord, 0, len(analyses))
	for _, a := range analyses {
		recs = append(recs, storage.VariationRecord{
			RunID:                  runID,
			Symbol:                 a.Symbol,
			CertPriceYesterday:     a.CertPriceLocalYesterday,
			CertPriceToday:         a.CertPriceLocalToday,
			UnderlyingYesterday:    a.UnderlyingPriceUSDYesterday,
			UnderlyingToday:        a.UnderlyingPriceUSDToday,
			RateYesterday:          a.RateYesterday,
			RateToday:              a.RateToday,
			VarCertificate:         a.VarCertificate,
			VarUnderlying:          a.VarUnderlying,
			VarRate:                a.VarRate,
			DominantFactor:         string(a.DominantFactor()),
			RateYesterdayEstimated: a.RateYesterdayEstimated,
			Mode:                   string(a.Mode),
		})
	}
	if err := s.deps.Variations.InsertVariations(ctx, recs); err != nil {
		return analyses, errs, err
	}
	return analyses, errs, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
