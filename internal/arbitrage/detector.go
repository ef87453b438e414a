package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/batch"
	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/metrics"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
)

// DefaultThreshold is 0.5%.
var DefaultThreshold = decimal.RequireFromString("0.005")

// Valuator prices a certificate in USD per underlying share.
type Valuator interface {
	RatioFor(symbol string) (ratios.Ratio, error)
	Valuate(ctx context.Context, symbol string, underlyingUSD decimal.Decimal) (pricing.Valuation, error)
	SetSession(session broker.Session)
	Mode() pricing.Mode
}

// Options configure the detector.
type Options struct {
	Threshold  decimal.Decimal
	RateSource string
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Detector compares certificates against their underlying shares.
type Detector struct {
	opts       Options
	underlying fetcher.InternationalPriceSource
	valuator   Valuator
	rates      pricing.RateProvider
	logger     zerolog.Logger
}

// New constructs a Detector.
func New(opts Options, underlying fetcher.InternationalPriceSource, valuator Valuator, rates pricing.RateProvider, logger zerolog.Logger) *Detector {
	if !opts.Threshold.IsPositive() {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		opts:       opts,
		underlying: underlying,
		valuator:   valuator,
		rates:      rates,
		logger:     logger.With().Str("component", "arbitrage").Logger(),
	}
}

// Threshold returns the configured default threshold.
func (d *Detector) Threshold() decimal.Decimal {
	return d.opts.Threshold
}

// SetSession attaches or detaches the broker session. The price fetcher sees
// the change through the holder it shares with every other consumer.
func (d *Detector) SetSession(session broker.Session) {
	d.valuator.SetSession(session)
	d.logger.Info().Str("mode", string(d.Mode())).Msg("session mode changed")
}

// Mode reports the price fetcher's mode.
func (d *Detector) Mode() pricing.Mode {
	return d.valuator.Mode()
}

// DetectSingle runs detection at the default threshold.
func (d *Detector) DetectSingle(ctx context.Context, symbol string) (*Opportunity, error) {
	return d.DetectSingleAt(ctx, symbol, d.opts.Threshold)
}

// DetectSingleAt returns an opportunity when the certificate diverges from the
// underlying by at least threshold. A nil opportunity with a nil error means
// no signal.
func (d *Detector) DetectSingleAt(ctx context.Context, symbol string, threshold decimal.Decimal) (*Opportunity, error) {
	if threshold.IsNegative() {
		return nil, fmt.Errorf("threshold must not be negative, got %s", threshold)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	ratio, err := d.valuator.RatioFor(symbol)
	if err != nil {
		return nil, err
	}

	quote, err := d.underlying.Price(ctx, ratio.UnderlyingSymbol)
	if err != nil {
		return nil, fmt.Errorf("underlying price %s: %w", ratio.UnderlyingSymbol, err)
	}
	underlyingUSD := quote.Price
	if !underlyingUSD.IsPositive() {
		return nil, fmt.Errorf("%w: underlying price %s for %s", resolver.ErrInvalidValue, underlyingUSD, ratio.UnderlyingSymbol)
	}

	val, err := d.valuator.Valuate(ctx, symbol, underlyingUSD)
	if err != nil {
		return nil, fmt.Errorf("certificate price %s: %w", symbol, err)
	}

	difference := underlyingUSD.Sub(val.ImpliedShareUSD)
	pct := difference.Abs().Div(underlyingUSD)

	log := d.logger.Debug().Str("symbol", symbol).
		Str("underlying_usd", underlyingUSD.String()).
		Str("via_certificate_usd", val.ImpliedShareUSD.String()).
		Str("difference_pct", pct.String())

	recommendation, directional := recommend(difference)
	if pct.LessThan(threshold) || !directional {
		log.Msg("no arbitrage")
		return nil, nil
	}
	log.Msg("threshold exceeded")

	rate, err := d.rates.GetRate(ctx, d.opts.RateSource)
	if err != nil {
		return nil, fmt.Errorf("exchange rate for %s: %w", symbol, err)
	}
	// Report the rate the certificate was converted with.
	if val.ExchangeRate.IsPositive() {
		rate.Rate = val.ExchangeRate
		rate.SourceID = val.RateSource
		rate.Stale = val.RateStale
	}

	opp := &Opportunity{
		Symbol:                symbol,
		UnderlyingSymbol:      ratio.UnderlyingSymbol,
		CertificatePriceUSD:   val.ImpliedShareUSD,
		UnderlyingPriceUSD:    underlyingUSD,
		DifferenceUSD:         difference,
		DifferencePercentage:  pct,
		ExchangeRate:          rate.Rate,
		CertificatePriceLocal: val.PriceLocal,
		Ratio:                 ratio.Numerator,
		Threshold:             threshold,
		Recommendation:        recommendation,
		SessionActive:         d.Mode() == pricing.ModeFull,
		Estimated:             val.Estimated,
		PriceSource:           val.PriceSource,
		PriceStale:            val.PriceStale,
		RateSource:            rate.SourceID,
		RateStale:             rate.Stale,
		ObservedAt:            d.opts.Now().UTC(),
	}
	d.opts.Metrics.Opportunity(string(recommendation))
	d.logger.Info().Str("symbol", symbol).
		Str("recommendation", string(recommendation)).
		Str("difference_pct", pct.StringFixed(4)).
		Bool("estimated", opp.Estimated).
		Msg("opportunity detected")
	return opp, nil
}

// DetectPortfolio runs detection for every symbol at the default threshold.
func (d *Detector) DetectPortfolio(ctx context.Context, symbols []string) ([]Opportunity, []batch.SymbolError) {
	return d.DetectPortfolioAt(ctx, symbols, d.opts.Threshold)
}

// DetectPortfolioAt runs detection for every symbol concurrently. A failing
// symbol is reported in the second return value and never affects the others.
func (d *Detector) DetectPortfolioAt(ctx context.Context, symbols []string, threshold decimal.Decimal) ([]Opportunity, []batch.SymbolError) {
	start := time.Now()
	found, failed := batch.Run(ctx, symbols, func(ctx context.Context, symbol string) (*Opportunity, error) {
		return d.DetectSingleAt(ctx, symbol, threshold)
	})

	for _, f := range failed {
		d.opts.Metrics.SymbolError("detect")
		ev := d.logger.Warn()
		var pe *batch.PanicError
		if errors.As(f.Err, &pe) {
			ev = d.logger.Error().Str("stack", string(pe.Stack))
		}
		ev.Err(f.Err).Str("symbol", f.Symbol).Msg("symbol skipped")
	}
	d.opts.Metrics.ObserveBatch("detect", time.Since(start).Seconds())
	d.logger.Info().Int("symbols", len(symbols)).
		Int("opportunities", len(found)).
		Int("failed", len(failed)).
		Msg("portfolio scanned")
	return found, failed
}
