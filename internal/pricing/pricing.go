package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
)

const (
	// SourceBroker is the authenticated real-time quote.
	SourceBroker = "broker_realtime"
	// SourceEOD is the public end-of-day snapshot.
	SourceEOD = "byma_eod"
	// SourceTheoretical marks an estimate derived from the underlying price.
	SourceTheoretical = "theoretical"
)

// Mode tells whether real-time data is available.
type Mode string

const (
	ModeFull    Mode = "FULL"
	ModeLimited Mode = "LIMITED"
)

// RateProvider resolves the exchange rate.
type RateProvider interface {
	GetRate(ctx context.Context, preferred string) (fxrate.Quote, error)
}

// Price is a resolved certificate price in local currency.
type Price struct {
	Symbol       string              `json:"symbol"`
	Today        decimal.Decimal     `json:"today"`
	Yesterday    decimal.NullDecimal `json:"yesterday"`
	Source       string              `json:"source"`
	FallbackUsed bool                `json:"fallback_used"`
	CacheHit     bool                `json:"cache_hit"`
	Stale        bool                `json:"stale"`
	ObservedAt   time.Time           `json:"observed_at"`
}

// Valuation is a certificate price translated into the underlying's USD price.
type Valuation struct {
	Symbol           string          `json:"symbol"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	PriceLocal       decimal.Decimal `json:"price_local"`
	ImpliedShareUSD  decimal.Decimal `json:"implied_share_usd"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	Ratio            decimal.Decimal `json:"ratio"`
	// Estimated is true when PriceLocal was derived rather than observed.
	Estimated   bool      `json:"estimated"`
	PriceSource string    `json:"price_source"`
	PriceStale  bool      `json:"price_stale"`
	RateSource  string    `json:"rate_source"`
	RateStale   bool      `json:"rate_stale"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Options configure the fetcher.
type Options struct {
	CacheTTL time.Duration
	// Market is the broker market segment for certificate quotes.
	Market string
	// RateSource is passed as the preferred exchange-rate source.
	RateSource string
	Resolver   resolver.Options
}

// Fetcher resolves certificate prices.
type Fetcher struct {
	opts     Options
	ratios   ratios.Lookup
	feed     fetcher.EODFeed
	rates    RateProvider
	session  *broker.SessionHolder
	resolver *resolver.Resolver[pricePoint]
	logger   zerolog.Logger
}

type pricePoint struct {
	Today     decimal.Decimal     `json:"today"`
	Yesterday decimal.NullDecimal `json:"yesterday"`
}

// New constructs a Fetcher. feed may be nil when no public snapshot is available.
func New(opts Options, lookup ratios.Lookup, feed fetcher.EODFeed, rates RateProvider, session *broker.SessionHolder, logger zerolog.Logger) *Fetcher {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 3 * time.Minute
	}
	if opts.Market == "" {
		opts.Market = "bcba"
	}
	if session == nil {
		session = broker.NewSessionHolder()
	}
	return &Fetcher{
		opts:     opts,
		ratios:   lookup,
		feed:     feed,
		rates:    rates,
		session:  session,
		resolver: resolver.New[pricePoint](opts.Resolver, logger),
		logger:   logger.With().Str("component", "pricing").Logger(),
	}
}

// SetSession attaches or detaches the broker session.
func (f *Fetcher) SetSession(session broker.Session) {
	f.session.Set(session)
}

// Mode reports FULL when a session is attached.
func (f *Fetcher) Mode() Mode {
	if f.session.Active() {
		return ModeFull
	}
	return ModeLimited
}

// GetPrice resolves today's price and, when asked, yesterday's close.
func (f *Fetcher) GetPrice(ctx context.Context, symbol string, includeHistorical bool) (Price, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Price{}, errors.New("symbol is required")
	}

	res, err := f.resolver.Resolve(ctx, resolver.Request[pricePoint]{
		Concept: "price:" + symbol,
		Sources: []resolver.Source[pricePoint]{
			{Name: SourceBroker, Fetch: f.brokerFetch(symbol), Disabled: !f.session.Active()},
			{Name: SourceEOD, Fetch: f.eodFetch(symbol), Disabled: f.feed == nil},
		},
		TTL: f.opts.CacheTTL,
	})
	if err != nil {
		return Price{}, fmt.Errorf("resolve price %s: %w", symbol, err)
	}

	p := Price{
		Symbol:       symbol,
		Today:        res.Value.Today,
		Source:       res.Meta.Source,
		FallbackUsed: res.Meta.FallbackUsed,
		CacheHit:     res.Meta.CacheHit,
		Stale:        res.Meta.StaleCacheUsed,
		ObservedAt:   res.Meta.ResolvedAt,
	}
	if includeHistorical {
		p.Yesterday = res.Value.Yesterday
	}
	return p, nil
}

func (f *Fetcher) brokerFetch(symbol string) func(context.Context) (pricePoint, error) {
	return func(ctx context.Context) (pricePoint, error) {
		q, err := broker.FetchQuote(ctx, f.session.Current(), f.opts.Market, symbol)
		if err != nil {
			return pricePoint{}, err
		}
		if !q.Last.IsPositive() {
			return pricePoint{}, fmt.Errorf("%w: broker price %s for %s", resolver.ErrInvalidValue, q.Last, symbol)
		}
		point := pricePoint{Today: q.Last}
		if y, ok := q.Yesterday(); ok {
			point.Yesterday = decimal.NewNullDecimal(y)
		}
		return point, nil
	}
}

func (f *Fetcher) eodFetch(symbol string) func(context.Context) (pricePoint, error) {
	return func(ctx context.Context) (pricePoint, error) {
		l, err := f.feed.Listing(ctx, symbol)
		if err != nil {
			return pricePoint{}, err
		}
		last := l.LastPrice()
		if !last.IsPositive() {
			return pricePoint{}, fmt.Errorf("%w: eod price %s for %s", resolver.ErrInvalidValue, last, symbol)
		}
		point := pricePoint{Today: last}
		if l.PreviousClosingPrice.IsPositive() {
			point.Yesterday = decimal.NewNullDecimal(l.PreviousClosingPrice)
		}
		return point, nil
	}
}

// GetPriceWithImpliedShareUSD translates the observed certificate price into
// USD per underlying share: (priceLocal / rate) * ratio.
func (f *Fetcher) GetPriceWithImpliedShareUSD(ctx context.Context, symbol string) (Valuation, error) {
	ratio, err := f.lookupRatio(symbol)
	if err != nil {
		return Valuation{}, err
	}
	price, err := f.GetPrice(ctx, symbol, false)
	if err != nil {
		return Valuation{}, err
	}
	rate, err := f.rates.GetRate(ctx, f.opts.RateSource)
	if err != nil {
		return Valuation{}, err
	}

	return Valuation{
		Symbol:           ratio.CertificateSymbol,
		UnderlyingSymbol: ratio.UnderlyingSymbol,
		PriceLocal:       price.Today,
		ImpliedShareUSD:  price.Today.Div(rate.Rate).Mul(ratio.Numerator),
		ExchangeRate:     rate.Rate,
		Ratio:            ratio.Numerator,
		PriceSource:      price.Source,
		PriceStale:       price.Stale,
		RateSource:       rate.SourceID,
		RateStale:        rate.Stale,
		ObservedAt:       price.ObservedAt,
	}, nil
}

// GetTheoreticalPrice derives the local price the certificate would have at
// zero spread. ImpliedShareUSD equals underlyingUSD by construction.
func (f *Fetcher) GetTheoreticalPrice(ctx context.Context, symbol string, underlyingUSD decimal.Decimal) (Valuation, error) {
	if !underlyingUSD.IsPositive() {
		return Valuation{}, fmt.Errorf("underlying price for %s must be positive, got %s", symbol, underlyingUSD)
	}
	ratio, err := f.lookupRatio(symbol)
	if err != nil {
		return Valuation{}, err
	}
	rate, err := f.rates.GetRate(ctx, f.opts.RateSource)
	if err != nil {
		return Valuation{}, err
	}

	return Valuation{
		Symbol:           ratio.CertificateSymbol,
		UnderlyingSymbol: ratio.UnderlyingSymbol,
		PriceLocal:       underlyingUSD.Div(ratio.Numerator).Mul(rate.Rate),
		ImpliedShareUSD:  underlyingUSD,
		ExchangeRate:     rate.Rate,
		Ratio:            ratio.Numerator,
		Estimated:        true,
		PriceSource:      SourceTheoretical,
		RateSource:       rate.SourceID,
		RateStale:        rate.Stale,
		ObservedAt:       rate.ObservedAt,
	}, nil
}

// Valuate returns the observed valuation, or the theoretical estimate when no
// market price can be resolved. A missing ratio is never estimated around.
func (f *Fetcher) Valuate(ctx context.Context, symbol string, underlyingUSD decimal.Decimal) (Valuation, error) {
	v, err := f.GetPriceWithImpliedShareUSD(ctx, symbol)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ratios.ErrMissingRatio) {
		return Valuation{}, err
	}

	f.logger.Debug().Err(err).Str("symbol", symbol).Msg("market price unavailable, using theoretical estimate")
	est, estErr := f.GetTheoreticalPrice(ctx, symbol, underlyingUSD)
	if estErr != nil {
		return Valuation{}, errors.Join(err, estErr)
	}
	return est, nil
}

// RatioFor exposes the ratio lookup with the package's error semantics.
func (f *Fetcher) RatioFor(symbol string) (ratios.Ratio, error) {
	return f.lookupRatio(symbol)
}

func (f *Fetcher) lookupRatio(symbol string) (ratios.Ratio, error) {
	if f.ratios == nil {
		return ratios.Ratio{}, fmt.Errorf("%w: %s", ratios.ErrMissingRatio, symbol)
	}
	r, ok := f.ratios.Lookup(symbol)
	if !ok || !r.Numerator.IsPositive() {
		return ratios.Ratio{}, fmt.Errorf("%w: %s", ratios.ErrMissingRatio, symbol)
	}
	return r, nil
}
