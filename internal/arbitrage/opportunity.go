package arbitrage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the side of the trade that looks cheap.
type Recommendation string

const (
	// BuyCertificate means the certificate is undervalued against the underlying.
	BuyCertificate Recommendation = "BUY_CERTIFICATE"
	// BuyUnderlying means the underlying is undervalued against the certificate.
	BuyUnderlying Recommendation = "BUY_UNDERLYING"
)

// recommend derives the recommendation from the sign of differenceUSD.
// A zero difference has no direction.
func recommend(differenceUSD decimal.Decimal) (Recommendation, bool) {
	switch differenceUSD.Sign() {
	case 1:
		return BuyCertificate, true
	case -1:
		return BuyUnderlying, true
	default:
		return "", false
	}
}

// Opportunity is a certificate whose implied share price diverges from the
// underlying by at least the detection threshold.
type Opportunity struct {
	Symbol           string `json:"symbol"`
	UnderlyingSymbol string `json:"underlying_symbol"`
	// CertificatePriceUSD is one underlying share bought through certificates.
	CertificatePriceUSD   decimal.Decimal `json:"certificate_price_usd"`
	UnderlyingPriceUSD    decimal.Decimal `json:"underlying_price_usd"`
	DifferenceUSD         decimal.Decimal `json:"difference_usd"`
	DifferencePercentage  decimal.Decimal `json:"difference_percentage"`
	ExchangeRate          decimal.Decimal `json:"exchange_rate"`
	CertificatePriceLocal decimal.Decimal `json:"certificate_price_local"`
	Ratio                 decimal.Decimal `json:"ratio"`
	Threshold             decimal.Decimal `json:"threshold"`
	Recommendation        Recommendation  `json:"recommendation"`
	SessionActive         bool            `json:"session_active"`
	// Estimated marks a theoretical certificate price.
	Estimated   bool      `json:"estimated"`
	PriceSource string    `json:"price_source"`
	PriceStale  bool      `json:"price_stale"`
	RateSource  string    `json:"rate_source"`
	RateStale   bool      `json:"rate_stale"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Action is the recommendation in plain words.
func (o Opportunity) Action() string {
	if o.Recommendation == BuyCertificate {
		return "Buy certificate, sell underlying"
	}
	return "Buy underlying, sell certificate"
}

// Direction tells which leg is mispriced.
func (o Opportunity) Direction() string {
	if o.Recommendation == BuyCertificate {
		return "CERTIFICATE UNDERVALUED"
	}
	return "CERTIFICATE OVERVALUED"
}

// Format renders the opportunity as a plain-text alert.
func (o Opportunity) Format() string {
	mode := "end-of-day (no broker session)"
	if o.SessionActive {
		mode = "real-time (broker)"
	}

	b := strings.Builder{}
	b.WriteString("[CEDEAR Arbitrage]\n")
	b.WriteString(fmt.Sprintf("%s (%s) - %s\n", o.Symbol, o.UnderlyingSymbol, o.Direction()))
	b.WriteString(fmt.Sprintf("Underlying:      %s USD\n", o.UnderlyingPriceUSD.StringFixed(2)))
	b.WriteString(fmt.Sprintf("Via certificate: %s USD\n", o.CertificatePriceUSD.StringFixed(2)))
	b.WriteString(fmt.Sprintf("Certificate:     %s ARS (ratio %s)\n", o.CertificatePriceLocal.StringFixed(2), o.Ratio.String()))
	b.WriteString(fmt.Sprintf("Potential gain:  %s USD\n", o.DifferenceUSD.Abs().StringFixed(2)))
	b.WriteString(fmt.Sprintf("Difference:      %s%% (threshold %s%%)\n", percent(o.DifferencePercentage), percent(o.Threshold)))
	b.WriteString(fmt.Sprintf("CCL:             %s (%s)\n", o.ExchangeRate.StringFixed(2), o.RateSource))
	b.WriteString(fmt.Sprintf("Action: %s\n", o.Action()))
	b.WriteString(fmt.Sprintf("Mode: %s\n", mode))

	var flags []string
	if o.Estimated {
		flags = append(flags, "certificate price is a theoretical estimate")
	}
	if o.PriceStale {
		flags = append(flags, "certificate price from stale cache")
	}
	if o.RateStale {
		flags = append(flags, "exchange rate from stale cache")
	}
	if len(flags) > 0 {
		b.WriteString(fmt.Sprintf("Warning: %s\n", strings.Join(flags, "; ")))
	}
	return b.String()
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
