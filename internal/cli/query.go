package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cedear-arbitrage/internal/app"
)

var (
	rateSource string
	rateMEP    bool
	rateJSON   bool
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Resolve the CCL (or MEP) exchange rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rate(cmd.Context(), app.RateOptions{
			Source: rateSource,
			MEP:    rateMEP,
			JSON:   rateJSON,
		})
	},
}

var (
	priceHistory bool
	priceImplied bool
	priceJSON    bool
)

var priceCmd = &cobra.Command{
	Use:   "price <symbol>",
	Short: "Resolve the local price of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), app.PriceOptions{
			Symbol:  args[0],
			History: priceHistory,
			Implied: priceImplied,
			JSON:    priceJSON,
		})
	},
}

var (
	detectSymbols   []string
	detectThreshold string
	detectJSON      bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Scan certificates for arbitrage against their underlying",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.DetectOptions{Symbols: detectSymbols, JSON: detectJSON}
		if detectThreshold != "" {
			threshold, err := parseThreshold(detectThreshold)
			if err != nil {
				return err
			}
			opts.Threshold = &threshold
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

var (
	variationSymbols []string
	variationPersist bool
	variationJSON    bool
)

var variationCmd = &cobra.Command{
	Use:   "variation",
	Short: "Decompose daily certificate moves into underlying and rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Variation(cmd.Context(), app.VariationOptions{
			Symbols: variationSymbols,
			Persist: variationPersist,
			JSON:    variationJSON,
		})
	},
}

// parseThreshold accepts a fraction such as 0.005 (0.5%).
func parseThreshold(raw string) (decimal.Decimal, error) {
	threshold, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --threshold value: %w", err)
	}
	if threshold.IsNegative() {
		return decimal.Zero, errors.New("--threshold must not be negative")
	}
	return threshold, nil
}

func init() {
	rateCmd.Flags().StringVar(&rateSource, "source", "", "Preferred source id (defaults to config)")
	rateCmd.Flags().BoolVar(&rateMEP, "mep", false, "Resolve the MEP rate instead of CCL")
	rateCmd.Flags().BoolVar(&rateJSON, "json", false, "Print JSON")

	priceCmd.Flags().BoolVar(&priceHistory, "history", false, "Use the historical quote for the session")
	priceCmd.Flags().BoolVar(&priceImplied, "implied", false, "Also derive the implied underlying USD price")
	priceCmd.Flags().BoolVar(&priceJSON, "json", false, "Print JSON")

	detectCmd.Flags().StringSliceVar(&detectSymbols, "symbols", nil, "Certificates to scan (defaults to config)")
	detectCmd.Flags().StringVar(&detectThreshold, "threshold", "", "Minimum relative difference as a fraction, e.g. 0.005")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print JSON")

	variationCmd.Flags().StringSliceVar(&variationSymbols, "symbols", nil, "Certificates to analyse (defaults to config)")
	variationCmd.Flags().BoolVar(&variationPersist, "persist", false, "Store the analyses in the database")
	variationCmd.Flags().BoolVar(&variationJSON, "json", false, "Print JSON")
}
