package fetcher

import (
	"bytes"
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
)

const cedearsPath = "/cedears"

// BYMAOptions parameterise the public BYMA client.
type BYMAOptions struct {
	BaseURL       string
	HistoricalURL string
	Timeout       time.Duration
	FeedTTL       time.Duration
	UserAgent     string
	Calendar      *Calendar
	Now           func() time.Time
}

// BYMA reads the public end-of-day certificate snapshot and the historical
// CCL index. Both datasets are cached for FeedTTL.
type BYMA struct {
	opts    BYMAOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time

	mu           sync.Mutex
	listings     map[string]Listing
	listingsAt   time.Time
	cclHistory   map[string]cclRecord
	cclHistoryAt time.Time
}

// NewBYMA constructs the client.
func NewBYMA(opts BYMAOptions, logger zerolog.Logger) *BYMA {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.FeedTTL <= 0 {
		opts.FeedTTL = 5 * time.Minute
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://open.bymadata.com.ar/vanoms-be-core/rest/api/bymadata/free"
	}
	if opts.HistoricalURL == "" {
		opts.HistoricalURL = "https://data-widgets.byma.com.ar/wp-admin/admin-ajax.php"
	}
	if opts.Calendar == nil {
		opts.Calendar, _ = NewCalendar(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BYMA{
		opts:    opts,
		logger:  logger.With().Str("component", "byma").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     now,
	}
}

// Listing finds symbol in the snapshot.
func (b *BYMA) Listing(ctx context.Context, symbol string) (Listing, error) {
	listings, err := b.Listings(ctx)
	if err != nil {
		return Listing{}, err
	}
	l, ok := listings[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return l, nil
}

// Listings returns the whole snapshot keyed by symbol.
func (b *BYMA) Listings(ctx context.Context) (map[string]Listing, error) {
	now := b.now()
	if !b.opts.Calendar.IsBusinessDay(now) {
		return nil, ErrMarketClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listings != nil && now.Sub(b.listingsAt) < b.opts.FeedTTL {
		return b.listings, nil
	}

	body, err := json.Marshal(map[string]bool{
		"excludeZeroPxAndQty": true,
		"T1":                  true,
		"T0":                  false,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+cedearsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.setUserAgent(req)

	payload, err := b.do(req)
	if err != nil {
		return nil, err
	}

	var rows []Listing
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode byma cedears: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("byma cedears: empty snapshot")
	}

	listings := make(map[string]Listing, len(rows))
	for _, row := range rows {
		key := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if key == "" {
			continue
		}
		listings[key] = row
	}
	b.listings = listings
	b.listingsAt = now
	b.logger.Debug().Int("rows", len(listings)).Msg("byma snapshot refreshed")
	return listings, nil
}

type cclRecord struct {
	Date             string              `json:"date"`
	CCLClosingPrice  decimal.NullDecimal `json:"cclClosingPrice"`
	BYMAClosingPrice decimal.NullDecimal `json:"bymaClosingPrice"`
}

func (r cclRecord) price() (decimal.Decimal, bool) {
	if r.CCLClosingPrice.Valid && r.CCLClosingPrice.Decimal.IsPositive() {
		return r.CCLClosingPrice.Decimal, true
	}
	if r.BYMAClosingPrice.Valid && r.BYMAClosingPrice.Decimal.IsPositive() {
		return r.BYMAClosingPrice.Decimal, true
	}
	return decimal.Zero, false
}

// HistoricalCCL returns the CCL close for the last business day before day,
// stepping back up to two further business days when the index has a gap.
func (b *BYMA) HistoricalCCL(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	history, err := b.cclIndex(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	target := b.opts.Calendar.LastBusinessDay(day, 1)
	for attempt := 0; attempt < 3; attempt++ {
		key := target.Format(time.DateOnly)
		if rec, ok := history[key]; ok {
			if price, ok := rec.price(); ok {
				return price, nil
			}
		}
		target = b.opts.Calendar.LastBusinessDay(target, 1)
	}
	return decimal.Zero, fmt.Errorf("%w: ccl for %s", ErrHistoricalUnavailable, day.Format(time.DateOnly))
}

func (b *BYMA) cclIndex(ctx context.Context) (map[string]cclRecord, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cclHistory != nil && now.Sub(b.cclHistoryAt) < b.opts.FeedTTL {
		return b.cclHistory, nil
	}

	form := url.Values{"action": {"get_indice_dolar"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.HistoricalURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	b.setUserAgent(req)

	payload, err := b.do(req)
	if err != nil {
		return nil, err
	}

	var body struct {
		Result []cclRecord `json:"result"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode byma ccl history: %w", err)
	}
	if len(body.Result) == 0 {
		return nil, fmt.Errorf("%w: empty ccl history", ErrHistoricalUnavailable)
	}

	index := make(map[string]cclRecord, len(body.Result))
	for _, rec := range body.Result {
		if rec.Date != "" {
			index[rec.Date] = rec
		}
	}
	b.cclHistory = index
	b.cclHistoryAt = now
	return index, nil
}

func (b *BYMA) setUserAgent(req *http.Request) {
	ua := strings.TrimSpace(b.opts.UserAgent)
	if ua == "" {
		ua = "cedearwatch/1.0"
	}
	req.Header.Set("User-Agent", ua)
}

func (b *BYMA) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("byma", resp.StatusCode, payload)
	}
	return payload, nil
}

var (
	_ EODFeed              = (*BYMA)(nil)
	_ HistoricalRateSource = (*BYMA)(nil)
)
