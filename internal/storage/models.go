package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateSample is the exchange rate observed on one scan.
type RateSample struct {
	Bucket       time.Time
	RunID        uuid.UUID
	Rate         decimal.Decimal
	Buy          decimal.Decimal
	Sell         decimal.Decimal
	Source       string
	SourceName   string
	FallbackUsed bool
	Stale        bool
	MEPRate      decimal.NullDecimal
	CreatedAt    time.Time
}

// OpportunityRecord is a persisted arbitrage opportunity.
type OpportunityRecord struct {
	ID                    int64
	RunID                 uuid.UUID
	Bucket                time.Time
	Symbol                string
	UnderlyingSymbol      string
	CertificatePriceUSD   decimal.Decimal
	UnderlyingPriceUSD    decimal.Decimal
	DifferenceUSD         decimal.Decimal
	DifferencePct         decimal.Decimal
	ThresholdPct          decimal.Decimal
	ExchangeRate          decimal.Decimal
	CertificatePriceLocal decimal.Decimal
	Recommendation        string
	SessionActive         bool
	Estimated             bool
	PriceSource           string
	RateSource            string
	PriceStale            bool
	RateStale             bool
	Notified              bool
	CreatedAt             time.Time
}

// VariationRecord is a persisted day-over-day analysis.
type VariationRecord struct {
	ID                     int64
	RunID                  uuid.UUID
	Symbol                 string
	CertPriceYesterday     decimal.Decimal
	CertPriceToday         decimal.Decimal
	UnderlyingYesterday    decimal.Decimal
	UnderlyingToday        decimal.Decimal
	RateYesterday          decimal.Decimal
	RateToday              decimal.Decimal
	VarCertificate         decimal.Decimal
	VarUnderlying          decimal.Decimal
	VarRate                decimal.Decimal
	DominantFactor         string
	RateYesterdayEstimated bool
	Mode                   string
	CreatedAt              time.Time
}
