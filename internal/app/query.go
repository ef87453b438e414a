package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/batch"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/service"
	"cedear-arbitrage/internal/variation"
)

// RateOptions configure the rate command.
type RateOptions struct {
	Source string
	MEP    bool
	JSON   bool
}

// PriceOptions configure the price command.
type PriceOptions struct {
	Symbol  string
	History bool
	Implied bool
	JSON    bool
}

// DetectOptions configure the detect command.
type DetectOptions struct {
	Symbols []string
	// Threshold overrides the configured threshold when non-nil.
	Threshold *decimal.Decimal
	JSON      bool
}

// VariationOptions configure the variation command.
type VariationOptions struct {
	Symbols []string
	Persist bool
	JSON    bool
}

// Rate prints the resolved exchange rate.
func (a *App) Rate(ctx context.Context, opts RateOptions) error {
	eng, err := a.newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	var quote fxrate.Quote
	if opts.MEP {
		quote, err = eng.rates.GetMEPRate(ctx)
	} else {
		quote, err = eng.rates.GetRate(ctx, opts.Source)
	}
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(a.Out, quote)
	}

	fmt.Fprintf(a.Out, "%s %s (buy %s, sell %s)\n", quote.SourceName, quote.Rate.StringFixed(2), quote.Buy.StringFixed(2), quote.Sell.StringFixed(2))
	fmt.Fprintf(a.Out, "source: %s%s\n", quote.SourceID, resolutionNote(quote.FallbackUsed, quote.CacheHit, quote.Stale))
	return nil
}

// Price prints a certificate price, optionally as implied USD per share.
func (a *App) Price(ctx context.Context, opts PriceOptions) error {
	eng, err := a.newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	if opts.Implied {
		val, err := eng.prices.GetPriceWithImpliedShareUSD(ctx, opts.Symbol)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(a.Out, val)
		}
		fmt.Fprintf(a.Out, "%s: %s ARS / %s x %s = %s USD per %s share\n",
			val.Symbol, val.PriceLocal.StringFixed(2), val.ExchangeRate.StringFixed(2),
			val.Ratio.String(), val.ImpliedShareUSD.StringFixed(2), val.UnderlyingSymbol)
		return nil
	}

	price, err := eng.prices.GetPrice(ctx, opts.Symbol, opts.History)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(a.Out, price)
	}
	fmt.Fprintf(a.Out, "%s: %s ARS [%s mode]\n", price.Symbol, price.Today.StringFixed(2), eng.prices.Mode())
	if opts.History {
		if price.Yesterday.Valid {
			fmt.Fprintf(a.Out, "previous close: %s ARS\n", price.Yesterday.Decimal.StringFixed(2))
		} else {
			fmt.Fprintln(a.Out, "previous close: unavailable")
		}
	}
	fmt.Fprintf(a.Out, "source: %s%s\n", price.Source, resolutionNote(price.FallbackUsed, price.CacheHit, price.Stale))
	return nil
}

// Detect scans the portfolio once and prints opportunities.
func (a *App) Detect(ctx context.Context, opts DetectOptions) error {
	eng, err := a.newEngine(ctx, opts.Symbols)
	if err != nil {
		return err
	}
	defer eng.Close()

	threshold := eng.detector.Threshold()
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	opps, errs := eng.detector.DetectPortfolioAt(ctx, eng.symbols, threshold)
	if opts.JSON {
		return writeJSON(a.Out, map[string]any{
			"mode":          eng.detector.Mode(),
			"threshold":     threshold,
			"opportunities": nonNil(opps),
			"errors":        nonNil(errs),
		})
	}
	writeOpportunities(a.Out, eng.detector.Mode(), threshold, len(eng.symbols), opps)
	writeSymbolErrors(a.Out, errs)
	return nil
}

// Variation analyses day-over-day moves and prints the report.
func (a *App) Variation(ctx context.Context, opts VariationOptions) error {
	eng, err := a.newEngine(ctx, opts.Symbols)
	if err != nil {
		return err
	}
	defer eng.Close()

	var (
		analyses []variation.Analysis
		errs     []batch.SymbolError
	)
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database not configured; cannot persist variations")
		}
		defer closeStore()

		svc := service.New(a.serviceOptions(eng), service.Deps{
			Rates:      eng.rates,
			Detector:   eng.detector,
			Analyzer:   eng.analyzer,
			Variations: store,
			Metrics:    eng.metrics,
		}, a.Logger)
		analyses, errs, err = svc.RecordVariations(ctx)
		if err != nil {
			return err
		}
	} else {
		analyses, errs = eng.analyzer.AnalyzePortfolio(ctx, eng.symbols)
	}

	if opts.JSON {
		return writeJSON(a.Out, map[string]any{"analyses": nonNil(analyses), "errors": nonNil(errs)})
	}
	fmt.Fprint(a.Out, variation.FormatReport(analyses))
	writeSymbolErrors(a.Out, errs)
	return nil
}

func writeOpportunities(w io.Writer, mode pricing.Mode, threshold decimal.Decimal, scanned int, opps []arbitrage.Opportunity) {
	fmt.Fprintf(w, "Scanned %d symbols in %s mode, threshold %s%%\n", scanned, mode, threshold.Mul(decimal.NewFromInt(100)).StringFixed(2))
	if len(opps) == 0 {
		fmt.Fprintln(w, "no opportunities found")
		return
	}
	for _, opp := range opps {
		fmt.Fprintln(w)
		fmt.Fprint(w, opp.Format())
	}
}

func writeSymbolErrors(w io.Writer, errs []batch.SymbolError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d symbols failed:\n", len(errs))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range errs {
		fmt.Fprintf(tw, "  %s\t%s\n", e.Symbol, sanitizeInline(e.Err.Error()))
	}
	tw.Flush()
}

func writeScanReport(w io.Writer, report service.ScanReport) error {
	if report.Skipped {
		fmt.Fprintln(w, "scan skipped: advisory lock held by another instance")
		return nil
	}
	fmt.Fprintf(w, "Run %s at %s\n", report.RunID, report.Bucket.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "CCL %s (%s)\n", report.Rate.Rate.StringFixed(2), report.Rate.SourceID)
	fmt.Fprintf(w, "%d opportunities, %d notified\n", len(report.Opportunities), report.Notified)
	for _, opp := range report.Opportunities {
		fmt.Fprintln(w)
		fmt.Fprint(w, opp.Format())
	}
	writeSymbolErrors(w, report.Errors)
	return nil
}

func resolutionNote(fallback, cacheHit, stale bool) string {
	var notes []string
	if fallback {
		notes = append(notes, "fallback")
	}
	if cacheHit {
		notes = append(notes, "cached")
	}
	if stale {
		notes = append(notes, "stale")
	}
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, ", ") + ")"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
