package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketClosed is returned by the end-of-day feed outside business days.
	ErrMarketClosed = errors.New("fetcher: local market closed")
	// ErrSymbolNotFound is returned when a feed has no row for a symbol.
	ErrSymbolNotFound = errors.New("fetcher: symbol not found")
	// ErrHistoricalUnavailable is returned when a historical value cannot be served.
	ErrHistoricalUnavailable = errors.New("fetcher: historical value unavailable")
)

// InternationalQuote is the foreign-listed share price.
type InternationalQuote struct {
	Symbol        string
	Price         decimal.Decimal
	PreviousClose decimal.Decimal
	Currency      string
	SourceName    string
	Timestamp     time.Time
}

// InternationalPriceSource quotes underlying shares in USD.
type InternationalPriceSource interface {
	Price(ctx context.Context, symbol string) (InternationalQuote, error)
}

// HistoricalPriceSource returns an underlying share price daysBack sessions ago.
type HistoricalPriceSource interface {
	HistoricalPrice(ctx context.Context, symbol string, daysBack int) (decimal.Decimal, error)
}

// AggregatorQuote is a published exchange rate.
type AggregatorQuote struct {
	Buy        decimal.Decimal
	Sell       decimal.Decimal
	LastUpdate string
	Name       string
}

// FXAggregator publishes implied dollar rates without authentication.
type FXAggregator interface {
	CCL(ctx context.Context) (AggregatorQuote, error)
	MEP(ctx context.Context) (AggregatorQuote, error)
}

// Listing is one row of the end-of-day certificate snapshot.
type Listing struct {
	Symbol               string          `json:"symbol"`
	Trade                decimal.Decimal `json:"trade"`
	ClosingPrice         decimal.Decimal `json:"closingPrice"`
	PreviousClosingPrice decimal.Decimal `json:"previousClosingPrice"`
}

// LastPrice prefers the last trade over the closing price.
func (l Listing) LastPrice() decimal.Decimal {
	if l.Trade.IsPositive() {
		return l.Trade
	}
	return l.ClosingPrice
}

// EODFeed looks symbols up in the public end-of-day snapshot.
type EODFeed interface {
	Listing(ctx context.Context, symbol string) (Listing, error)
}

// HistoricalRateSource returns the closing implied rate for a past day.
type HistoricalRateSource interface {
	HistoricalCCL(ctx context.Context, day time.Time) (decimal.Decimal, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseHTTPError(api string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Message, apiErr.Error, apiErr.Detail} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", api, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%s api error (%d): %s", api, status, body)
	}
	return fmt.Errorf("%s api error (%d)", api, status)
}
