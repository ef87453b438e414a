// Package variation attributes a certificate's daily move to the certificate
// itself, its underlying share and the exchange rate.
package variation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cedear-arbitrage/internal/batch"
	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/metrics"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
)

// ErrNoPreviousPrice is returned when yesterday's certificate price is unknown.
var ErrNoPreviousPrice = errors.New("previous certificate price unavailable")

// PriceSource resolves certificate prices.
type PriceSource interface {
	RatioFor(symbol string) (ratios.Ratio, error)
	GetPrice(ctx context.Context, symbol string, includeHistorical bool) (pricing.Price, error)
	SetSession(session broker.Session)
	Mode() pricing.Mode
}

// Sources groups the analyzer's collaborators.
type Sources struct {
	Prices           PriceSource
	Underlying       fetcher.InternationalPriceSource
	UnderlyingBefore fetcher.HistoricalPriceSource
	Rates            pricing.RateProvider
	RatesBefore      fetcher.HistoricalRateSource
}

// Options configure the analyzer.
type Options struct {
	RateSource string
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Analyzer computes day-over-day variations.
type Analyzer struct {
	opts   Options
	src    Sources
	logger zerolog.Logger
}

// New constructs an Analyzer. RatesBefore may be nil.
func New(opts Options, src Sources, logger zerolog.Logger) *Analyzer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{
		opts:   opts,
		src:    src,
		logger: logger.With().Str("component", "variation").Logger(),
	}
}

// SetSession attaches or detaches the broker session on the shared holder.
func (a *Analyzer) SetSession(session broker.Session) {
	a.src.Prices.SetSession(session)
}

// Mode reports the price source's mode.
func (a *Analyzer) Mode() pricing.Mode {
	return a.src.Prices.Mode()
}

// AnalyzeSingle resolves today and yesterday for symbol. Missing history for
// the certificate or the underlying aborts the symbol. Missing rate history
// falls back to today's rate and is flagged.
func (a *Analyzer) AnalyzeSingle(ctx context.Context, symbol string) (*Analysis, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	ratio, err := a.src.Prices.RatioFor(symbol)
	if err != nil {
		return nil, err
	}
	underlying := ratio.UnderlyingSymbol

	today, err := a.src.Underlying.Price(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("underlying price %s: %w", underlying, err)
	}
	if a.src.UnderlyingBefore == nil {
		return nil, fmt.Errorf("underlying history %s: %w", underlying, fetcher.ErrHistoricalUnavailable)
	}
	before, err := a.src.UnderlyingBefore.HistoricalPrice(ctx, underlying, 1)
	if err != nil {
		return nil, fmt.Errorf("underlying history %s: %w", underlying, err)
	}
	if !today.Price.IsPositive() || !before.IsPositive() {
		return nil, fmt.Errorf("%w: underlying %s today %s yesterday %s", resolver.ErrInvalidValue, underlying, today.Price, before)
	}

	price, err := a.src.Prices.GetPrice(ctx, symbol, true)
	if err != nil {
		return nil, err
	}
	if !price.Yesterday.Valid || !price.Yesterday.Decimal.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNoPreviousPrice, symbol)
	}

	rate, err := a.src.Rates.GetRate(ctx, a.opts.RateSource)
	if err != nil {
		return nil, fmt.Errorf("exchange rate: %w", err)
	}

	now := a.opts.Now()
	rateBefore, estimated := rate.Rate, true
	if a.src.RatesBefore != nil {
		historical, err := a.src.RatesBefore.HistoricalCCL(ctx, now)
		switch {
		case err != nil:
			a.logger.Debug().Err(err).Msg("rate history unavailable, using current rate")
		case !historical.IsPositive():
			a.logger.Debug().Str("rate", historical.String()).Msg("non-positive historical rate ignored")
		default:
			rateBefore, estimated = historical, false
		}
	}

	analysis := &Analysis{
		Symbol:                      symbol,
		UnderlyingSymbol:            underlying,
		CertPriceLocalYesterday:     price.Yesterday.Decimal,
		CertPriceLocalToday:         price.Today,
		UnderlyingPriceUSDYesterday: before,
		UnderlyingPriceUSDToday:     today.Price,
		RateYesterday:               rateBefore,
		RateToday:                   rate.Rate,
		VarCertificate:              change(price.Today, price.Yesterday.Decimal),
		VarUnderlying:               change(today.Price, before),
		VarRate:                     change(rate.Rate, rateBefore),
		RateYesterdayEstimated:      estimated,
		Mode:                        a.Mode(),
		PriceSource:                 price.Source,
		PriceStale:                  price.Stale,
		ObservedAt:                  now.UTC(),
	}
	a.logger.Debug().Str("symbol", symbol).
		Str("var_certificate", analysis.VarCertificate.StringFixed(4)).
		Str("dominant", string(analysis.DominantFactor())).
		Msg("variation analysed")
	return analysis, nil
}

// AnalyzePortfolio analyses every symbol concurrently. Failed symbols are
// reported separately and never affect the others.
func (a *Analyzer) AnalyzePortfolio(ctx context.Context, symbols []string) ([]Analysis, []batch.SymbolError) {
	start := time.Now()
	analyses, failed := batch.Run(ctx, symbols, a.AnalyzeSingle)
	for _, f := range failed {
		a.opts.Metrics.SymbolError("variation")
		a.logger.Warn().Err(f.Err).Str("symbol", f.Symbol).Msg("symbol skipped")
	}
	a.opts.Metrics.ObserveBatch("variation", time.Since(start).Seconds())
	a.logger.Info().Int("symbols", len(symbols)).
		Int("analysed", len(analyses)).
		Int("failed", len(failed)).
		Msg("variations analysed")
	return analyses, failed
}
