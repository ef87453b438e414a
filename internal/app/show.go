package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"cedear-arbitrage/internal/storage"
)

// Show prints recent history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch opts.Kind {
	case "", "samples":
		samples, err := store.ListRecentSamples(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.showSamples(samples)
	case "opportunities":
		records, err := store.ListRecentOpportunities(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.showOpportunities(records)
	case "variations":
		records, err := store.ListRecentVariations(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.showVariations(records)
	default:
		return fmt.Errorf("unknown history kind %q", opts.Kind)
	}
}

func (a *App) showSamples(samples []storage.RateSample) error {
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCCL\tBuy\tSell\tMEP\tSource\tFlags")
	for _, sample := range samples {
		mep := "-"
		if sample.MEPRate.Valid {
			mep = sample.MEPRate.Decimal.StringFixed(2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			sample.Rate.StringFixed(2),
			sample.Buy.StringFixed(2),
			sample.Sell.StringFixed(2),
			mep,
			sample.Source,
			flags(map[string]bool{"fallback": sample.FallbackUsed, "stale": sample.Stale}),
		)
	}
	return writer.Flush()
}

func (a *App) showOpportunities(records []storage.OpportunityRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no opportunities found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tUnderlying\tCert USD\tUnderlying USD\tDiff%\tRecommendation\tFlags")
	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Bucket.UTC().Format(time.RFC3339),
			r.Symbol,
			r.UnderlyingSymbol,
			r.CertificatePriceUSD.StringFixed(2),
			r.UnderlyingPriceUSD.StringFixed(2),
			r.DifferencePct.Shift(2).StringFixed(2),
			r.Recommendation,
			flags(map[string]bool{"estimated": r.Estimated, "stale": r.PriceStale || r.RateStale, "notified": r.Notified, "broker": r.SessionActive}),
		)
	}
	return writer.Flush()
}

func (a *App) showVariations(records []storage.VariationRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no variations found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tCert%\tUnderlying%\tRate%\tDominant\tMode")
	for _, r := range records {
		rate := r.VarRate.Shift(2).StringFixed(2)
		if r.RateYesterdayEstimated {
			rate += "*"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Symbol,
			r.VarCertificate.Shift(2).StringFixed(2),
			r.VarUnderlying.Shift(2).StringFixed(2),
			rate,
			r.DominantFactor,
			r.Mode,
		)
	}
	return writer.Flush()
}

func flags(set map[string]bool) string {
	var out []string
	for _, name := range []string{"fallback", "stale", "estimated", "broker", "notified"} {
		if set[name] {
			out = append(out, name)
		}
	}
	return strings.Join(out, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
