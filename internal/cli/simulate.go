package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cedear-arbitrage/internal/app"
)

var (
	simulateSymbol      string
	simulateCertificate float64
	simulateUnderlying  float64
	simulateRate        float64
	simulateRatio       float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run detection and alerting against a synthetic market",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCertificate <= 0 || simulateUnderlying <= 0 || simulateRate <= 0 || simulateRatio <= 0 {
			return errors.New("--certificate, --underlying, --rate and --ratio must be greater than 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:           simulateSymbol,
			CertificateLocal: decimal.NewFromFloat(simulateCertificate),
			UnderlyingUSD:    decimal.NewFromFloat(simulateUnderlying),
			Rate:             decimal.NewFromFloat(simulateRate),
			Ratio:            decimal.NewFromFloat(simulateRatio),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "AAPL", "Certificate symbol")
	simulateCmd.Flags().Float64Var(&simulateCertificate, "certificate", 0, "Certificate price in ARS")
	simulateCmd.Flags().Float64Var(&simulateUnderlying, "underlying", 0, "Underlying price in USD")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "CCL rate in ARS per USD")
	simulateCmd.Flags().Float64Var(&simulateRatio, "ratio", 1, "Certificates per underlying share")
}
