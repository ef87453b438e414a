package variation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/pricing"
)

// Factor names one component of a certificate's daily move.
type Factor string

const (
	FactorCertificate Factor = "CERTIFICATE"
	FactorUnderlying  Factor = "UNDERLYING"
	FactorRate        Factor = "RATE"
)

// Analysis is a day-over-day snapshot of a certificate, its underlying and
// the exchange rate. Var fields are (today-yesterday)/yesterday.
type Analysis struct {
	Symbol                      string          `json:"symbol"`
	UnderlyingSymbol            string          `json:"underlying_symbol"`
	CertPriceLocalYesterday     decimal.Decimal `json:"cert_price_local_yesterday"`
	CertPriceLocalToday         decimal.Decimal `json:"cert_price_local_today"`
	UnderlyingPriceUSDYesterday decimal.Decimal `json:"underlying_price_usd_yesterday"`
	UnderlyingPriceUSDToday     decimal.Decimal `json:"underlying_price_usd_today"`
	RateYesterday               decimal.Decimal `json:"rate_yesterday"`
	RateToday                   decimal.Decimal `json:"rate_today"`
	VarCertificate              decimal.Decimal `json:"var_certificate"`
	VarUnderlying               decimal.Decimal `json:"var_underlying"`
	VarRate                     decimal.Decimal `json:"var_rate"`
	// RateYesterdayEstimated is set when no historical rate was found and
	// today's rate stands in for yesterday's.
	RateYesterdayEstimated bool         `json:"rate_yesterday_estimated"`
	Mode                   pricing.Mode `json:"mode"`
	PriceSource            string       `json:"price_source"`
	PriceStale             bool         `json:"price_stale"`
	ObservedAt             time.Time    `json:"observed_at"`
}

// DominantFactor returns the component with the largest absolute change.
// Ties go to the certificate, then the underlying.
func (a Analysis) DominantFactor() Factor {
	best, factor := a.VarCertificate.Abs(), FactorCertificate
	if v := a.VarUnderlying.Abs(); v.GreaterThan(best) {
		best, factor = v, FactorUnderlying
	}
	if v := a.VarRate.Abs(); v.GreaterThan(best) {
		factor = FactorRate
	}
	return factor
}

// Format renders one analysis on a single line.
func (a Analysis) Format() string {
	line := fmt.Sprintf("%s: certificate %s%%, underlying %s%%, rate %s%%, dominant %s",
		a.Symbol, signedPercent(a.VarCertificate), signedPercent(a.VarUnderlying), signedPercent(a.VarRate), a.DominantFactor())
	if a.RateYesterdayEstimated {
		line += " (rate history unavailable)"
	}
	return line
}

// FormatReport renders analyses as a fixed-width table.
func FormatReport(analyses []Analysis) string {
	if len(analyses) == 0 {
		return "No variation analyses available\n"
	}

	mode := "end-of-day (BYMA)"
	if analyses[0].Mode == pricing.ModeFull {
		mode = "real-time (broker)"
	}

	b := strings.Builder{}
	b.WriteString("DAILY VARIATION ANALYSIS\n")
	b.WriteString(strings.Repeat("=", 62) + "\n")
	b.WriteString(fmt.Sprintf("Mode: %s\n\n", mode))
	b.WriteString(fmt.Sprintf("%-8s %12s %12s %10s  %-12s\n", "Symbol", "Certificate", "Underlying", "Rate", "Dominant"))
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, a := range analyses {
		symbol := a.Symbol
		if len(symbol) > 8 {
			symbol = symbol[:8]
		}
		rate := signedPercent(a.VarRate) + "%"
		if a.RateYesterdayEstimated {
			rate += "*"
		}
		b.WriteString(fmt.Sprintf("%-8s %12s %12s %10s  %-12s\n",
			symbol, signedPercent(a.VarCertificate)+"%", signedPercent(a.VarUnderlying)+"%", rate, a.DominantFactor()))
	}
	for _, a := range analyses {
		if a.RateYesterdayEstimated {
			b.WriteString("* rate history unavailable, today's rate used for yesterday\n")
			break
		}
	}
	return b.String()
}

func signedPercent(ratio decimal.Decimal) string {
	s := ratio.Mul(decimal.NewFromInt(100)).StringFixed(1)
	if ratio.IsPositive() {
		return "+" + s
	}
	return s
}

func change(today, yesterday decimal.Decimal) decimal.Decimal {
	return today.Sub(yesterday).Div(yesterday)
}
