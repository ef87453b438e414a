package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// FinnhubOptions parameterise the Finnhub client.
type FinnhubOptions struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
	// QuoteTTL lets price and previous-close lookups share one upstream call.
	QuoteTTL time.Duration
	Now      func() time.Time
}

// Finnhub quotes foreign-listed shares.
type Finnhub struct {
	opts    FinnhubOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	quotes map[string]cachedQuote
}

type cachedQuote struct {
	quote InternationalQuote
	at    time.Time
}

// NewFinnhub constructs the client with a token-bucket limiter.
func NewFinnhub(opts FinnhubOptions, logger zerolog.Logger) *Finnhub {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = time.Minute
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Finnhub{
		opts:    opts,
		logger:  logger.With().Str("component", "finnhub").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		now:     now,
		quotes:  make(map[string]cachedQuote),
	}
}

type finnhubQuote struct {
	Current       decimal.Decimal `json:"c"`
	PreviousClose decimal.Decimal `json:"pc"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	Timestamp     int64           `json:"t"`
}

// Price returns the latest USD price for symbol.
func (f *Finnhub) Price(ctx context.Context, symbol string) (InternationalQuote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if q, ok := f.cached(symbol); ok {
		return q, nil
	}
	if f.opts.APIKey == "" {
		return InternationalQuote{}, fmt.Errorf("finnhub api key not configured")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return InternationalQuote{}, fmt.Errorf("finnhub rate limit wait: %w", err)
	}

	query := url.Values{"symbol": {symbol}, "token": {f.opts.APIKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/quote?"+query.Encode(), nil)
	if err != nil {
		return InternationalQuote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return InternationalQuote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return InternationalQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return InternationalQuote{}, parseHTTPError("finnhub", resp.StatusCode, payload)
	}

	var body finnhubQuote
	if err := json.Unmarshal(payload, &body); err != nil {
		return InternationalQuote{}, fmt.Errorf("decode finnhub quote: %w", err)
	}
	// Unknown symbols come back as 200 with zeros.
	if !body.Current.IsPositive() {
		return InternationalQuote{}, fmt.Errorf("%w: finnhub has no price for %s", ErrSymbolNotFound, symbol)
	}

	quote := InternationalQuote{
		Symbol:        symbol,
		Price:         body.Current,
		PreviousClose: body.PreviousClose,
		Currency:      "USD",
		SourceName:    "finnhub",
	}
	if body.Timestamp > 0 {
		quote.Timestamp = time.Unix(body.Timestamp, 0).UTC()
	}

	f.mu.Lock()
	f.quotes[symbol] = cachedQuote{quote: quote, at: f.now()}
	f.mu.Unlock()
	return quote, nil
}

// HistoricalPrice serves daysBack == 1 from the quote's previous close.
// Deeper history needs a paid candle endpoint and is reported unavailable.
func (f *Finnhub) HistoricalPrice(ctx context.Context, symbol string, daysBack int) (decimal.Decimal, error) {
	if daysBack != 1 {
		return decimal.Zero, fmt.Errorf("%w: %s %d days back", ErrHistoricalUnavailable, symbol, daysBack)
	}
	quote, err := f.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !quote.PreviousClose.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s previous close", ErrHistoricalUnavailable, symbol)
	}
	return quote.PreviousClose, nil
}

func (f *Finnhub) cached(symbol string) (InternationalQuote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.quotes[symbol]
	if !ok || f.now().Sub(c.at) >= f.opts.QuoteTTL {
		return InternationalQuote{}, false
	}
	return c.quote, true
}

var (
	_ InternationalPriceSource = (*Finnhub)(nil)
	_ HistoricalPriceSource    = (*Finnhub)(nil)
)
