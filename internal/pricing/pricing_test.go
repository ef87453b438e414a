package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
)

type stubFeed struct {
	listings map[string]fetcher.Listing
	err      error
	calls    int
}

func (f *stubFeed) Listing(_ context.Context, symbol string) (fetcher.Listing, error) {
	f.calls++
	if f.err != nil {
		return fetcher.Listing{}, f.err
	}
	l, ok := f.listings[symbol]
	if !ok {
		return fetcher.Listing{}, fetcher.ErrSymbolNotFound
	}
	return l, nil
}

type stubRates struct {
	rate decimal.Decimal
	err  error
}

func (r *stubRates) GetRate(context.Context, string) (fxrate.Quote, error) {
	if r.err != nil {
		return fxrate.Quote{}, r.err
	}
	return fxrate.Quote{Rate: r.rate, SourceID: fxrate.SourceAggregator}, nil
}

type quoteSession struct {
	last   string
	status int
}

func (s *quoteSession) Get(context.Context, string) (*broker.Response, error) {
	return &broker.Response{StatusCode: s.status, Body: []byte(fmt.Sprintf(`{"ultimoPrecio": %s, "cierreAnterior": 9900}`, s.last))}, nil
}

func testRatios() *ratios.Store {
	return ratios.NewStore([]ratios.Ratio{
		{CertificateSymbol: "AAPL", Numerator: decimal.NewFromInt(5)},
		{CertificateSymbol: "KO", Numerator: decimal.NewFromInt(2)},
	})
}

func newFetcher(feed fetcher.EODFeed, rates RateProvider, holder *broker.SessionHolder) *Fetcher {
	return New(Options{
		CacheTTL: time.Minute,
		Resolver: resolver.Options{Breaker: resolver.BreakerSettings{FailureThreshold: 100}},
	}, testRatios(), feed, rates, holder, zerolog.Nop())
}

func TestGetPriceLimitedModeUsesEOD(t *testing.T) {
	feed := &stubFeed{listings: map[string]fetcher.Listing{
		"AAPL": {Symbol: "AAPL", Trade: decimal.NewFromInt(10000), PreviousClosingPrice: decimal.NewFromInt(9800)},
	}}
	f := newFetcher(feed, &stubRates{rate: decimal.NewFromInt(1000)}, nil)
	assert.Equal(t, ModeLimited, f.Mode())

	p, err := f.GetPrice(context.Background(), "aapl", false)
	require.NoError(t, err)
	assert.True(t, p.Today.Equal(decimal.NewFromInt(10000)))
	assert.False(t, p.Yesterday.Valid, "yesterday only on request")
	assert.Equal(t, SourceEOD, p.Source)
	assert.False(t, p.FallbackUsed)

	p, err = f.GetPrice(context.Background(), "AAPL", true)
	require.NoError(t, err)
	require.True(t, p.Yesterday.Valid)
	assert.True(t, p.Yesterday.Decimal.Equal(decimal.NewFromInt(9800)))
	assert.True(t, p.CacheHit)
	assert.Equal(t, 1, feed.calls)
}

func TestGetPriceFullModeUsesBroker(t *testing.T) {
	feed := &stubFeed{}
	f := newFetcher(feed, &stubRates{rate: decimal.NewFromInt(1000)}, nil)
	f.SetSession(&quoteSession{last: "10100", status: http.StatusOK})
	assert.Equal(t, ModeFull, f.Mode())

	p, err := f.GetPrice(context.Background(), "AAPL", true)
	require.NoError(t, err)
	assert.Equal(t, SourceBroker, p.Source)
	assert.True(t, p.Today.Equal(decimal.NewFromInt(10100)))
	assert.True(t, p.Yesterday.Decimal.Equal(decimal.NewFromInt(9900)))
	assert.Equal(t, 0, feed.calls)
}

func TestGetPriceBrokerFailureFallsBackToEOD(t *testing.T) {
	feed := &stubFeed{listings: map[string]fetcher.Listing{"KO": {ClosingPrice: decimal.NewFromInt(9800)}}}
	holder := broker.NewSessionHolder()
	holder.Set(&quoteSession{status: http.StatusUnauthorized, last: "0"})
	f := newFetcher(feed, &stubRates{rate: decimal.NewFromInt(1000)}, holder)

	p, err := f.GetPrice(context.Background(), "KO", false)
	require.NoError(t, err)
	assert.Equal(t, SourceEOD, p.Source)
	assert.True(t, p.FallbackUsed)
}

func TestGetPriceNonPositiveIsInvalid(t *testing.T) {
	holder := broker.NewSessionHolder()
	holder.Set(&quoteSession{status: http.StatusOK, last: "0"})
	f := newFetcher(nil, &stubRates{rate: decimal.NewFromInt(1000)}, holder)

	_, err := f.GetPrice(context.Background(), "KO", false)
	require.ErrorIs(t, err, resolver.ErrAllSourcesUnavailable)
}

func TestGetPriceWithImpliedShareUSD(t *testing.T) {
	feed := &stubFeed{listings: map[string]fetcher.Listing{"AAPL": {Trade: decimal.NewFromInt(10000)}}}
	f := newFetcher(feed, &stubRates{rate: decimal.NewFromInt(1000)}, nil)

	v, err := f.GetPriceWithImpliedShareUSD(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, v.PriceLocal.Equal(decimal.NewFromInt(10000)))
	assert.True(t, v.ImpliedShareUSD.Equal(decimal.NewFromInt(50)), "(10000/1000)*5, got %s", v.ImpliedShareUSD)
	assert.True(t, v.ExchangeRate.Equal(decimal.NewFromInt(1000)))
	assert.False(t, v.Estimated)
	assert.Equal(t, "AAPL", v.UnderlyingSymbol)
}

func TestGetTheoreticalPrice(t *testing.T) {
	f := newFetcher(nil, &stubRates{rate: decimal.NewFromInt(1000)}, nil)

	v, err := f.GetTheoreticalPrice(context.Background(), "AAPL", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, v.PriceLocal.Equal(decimal.NewFromInt(20000)), "(100/5)*1000, got %s", v.PriceLocal)
	assert.True(t, v.ImpliedShareUSD.Equal(decimal.NewFromInt(100)))
	assert.True(t, v.Estimated)
	assert.Equal(t, SourceTheoretical, v.PriceSource)

	_, err = f.GetTheoreticalPrice(context.Background(), "AAPL", decimal.Zero)
	require.Error(t, err)
}

func TestValuateFallsBackToTheoretical(t *testing.T) {
	feed := &stubFeed{err: fetcher.ErrMarketClosed}
	f := newFetcher(feed, &stubRates{rate: decimal.NewFromInt(1000)}, nil)

	v, err := f.Valuate(context.Background(), "AAPL", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, v.Estimated)
	assert.True(t, v.ImpliedShareUSD.Equal(decimal.NewFromInt(100)))
}

func TestValuateMissingRatio(t *testing.T) {
	f := newFetcher(&stubFeed{}, &stubRates{rate: decimal.NewFromInt(1000)}, nil)

	_, err := f.Valuate(context.Background(), "MSFT", decimal.NewFromInt(100))
	require.ErrorIs(t, err, ratios.ErrMissingRatio)
}

func TestValuateRateUnavailable(t *testing.T) {
	feed := &stubFeed{listings: map[string]fetcher.Listing{"AAPL": {Trade: decimal.NewFromInt(10000)}}}
	rateErr := errors.New("rate down")
	f := newFetcher(feed, &stubRates{err: rateErr}, nil)

	_, err := f.Valuate(context.Background(), "AAPL", decimal.NewFromInt(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, rateErr)
}

func TestSharedHolderTogglesMode(t *testing.T) {
	holder := broker.NewSessionHolder()
	f := newFetcher(nil, &stubRates{}, holder)
	holder.Set(&quoteSession{})
	assert.Equal(t, ModeFull, f.Mode())
	f.SetSession(nil)
	assert.Equal(t, ModeLimited, f.Mode())
	assert.False(t, holder.Active())
}
