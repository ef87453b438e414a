package fxrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/resolver"
)

type stubAggregator struct {
	mu    sync.Mutex
	ccl   fetcher.AggregatorQuote
	mep   fetcher.AggregatorQuote
	err   error
	calls int
}

func (a *stubAggregator) CCL(context.Context) (fetcher.AggregatorQuote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.ccl, a.err
}

func (a *stubAggregator) MEP(context.Context) (fetcher.AggregatorQuote, error) {
	return a.mep, a.err
}

func (a *stubAggregator) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type bondSession struct {
	prices map[string]string
}

func (s *bondSession) Get(_ context.Context, path string) (*broker.Response, error) {
	for symbol, price := range s.prices {
		if strings.HasSuffix(path, "/Titulos/"+symbol+"/Cotizacion") {
			return &broker.Response{StatusCode: http.StatusOK, Body: []byte(fmt.Sprintf(`{"ultimoPrecio": %s}`, price))}, nil
		}
	}
	return &broker.Response{StatusCode: http.StatusNotFound, Body: []byte(`not found`)}, nil
}

func newService(agg fetcher.FXAggregator, holder *broker.SessionHolder, now func() time.Time) *Service {
	return New(Options{
		CacheTTL: 5 * time.Minute,
		Resolver: resolver.Options{Now: now, Breaker: resolver.BreakerSettings{FailureThreshold: 100}},
	}, agg, holder, zerolog.Nop())
}

func fixedNow() func() time.Time {
	t := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestGetRateFromAggregator(t *testing.T) {
	agg := &stubAggregator{ccl: fetcher.AggregatorQuote{Buy: decimal.NewFromInt(1180), Sell: decimal.NewFromInt(1195), Name: "Contado con liquidación", LastUpdate: "2025-03-10T14:57:00Z"}}
	svc := newService(agg, nil, fixedNow())

	q, err := svc.GetRate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1195)))
	assert.Equal(t, SourceAggregator, q.SourceID)
	assert.Equal(t, SourceAggregator, q.PreferredSource)
	assert.False(t, q.FallbackUsed)
	assert.Equal(t, []string{SourceAggregator}, q.AttemptedSources)
	assert.Equal(t, "Contado con liquidación", q.SourceName)

	// cached on second call
	q, err = svc.GetRate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, q.CacheHit)
	assert.Equal(t, 1, agg.calls)
}

func TestGetRateWithoutSessionFails(t *testing.T) {
	agg := &stubAggregator{err: errors.New("dolarapi down")}
	svc := newService(agg, nil, fixedNow())

	_, err := svc.GetRate(context.Background(), "")
	require.ErrorIs(t, err, resolver.ErrAllSourcesUnavailable)

	var unavailable *resolver.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{SourceAggregator}, unavailable.Attempted, "bond source is skipped without a session")
}

func TestGetRateFallsBackToBondRatio(t *testing.T) {
	agg := &stubAggregator{err: errors.New("dolarapi down")}
	holder := broker.NewSessionHolder()
	svc := newService(agg, holder, fixedNow())
	svc.SetSession(&bondSession{prices: map[string]string{"AL30": "120000", "AL30D": "100"}})

	q, err := svc.GetRate(context.Background(), SourceAggregator)
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1200)))
	assert.True(t, q.Buy.Equal(q.Rate))
	assert.Equal(t, SourceBondRatio, q.SourceID)
	assert.Equal(t, "CCL AL30", q.SourceName)
	assert.Equal(t, "2025-03-10T15:00:00Z", q.LastUpdate)
	assert.True(t, q.FallbackUsed)
	assert.Equal(t, []string{SourceAggregator, SourceBondRatio}, q.AttemptedSources)
	assert.True(t, holder.Active(), "session set through the service is visible on the shared holder")
}

func TestGetRatePreferredBond(t *testing.T) {
	agg := &stubAggregator{ccl: fetcher.AggregatorQuote{Sell: decimal.NewFromInt(1195)}}
	svc := newService(agg, nil, fixedNow())
	svc.SetSession(&bondSession{prices: map[string]string{"AL30": "118000", "AL30D": "100"}})

	q, err := svc.GetRate(context.Background(), SourceBondRatio)
	require.NoError(t, err)
	assert.Equal(t, SourceBondRatio, q.SourceID)
	assert.False(t, q.FallbackUsed)
	assert.Equal(t, 0, agg.calls)
}

func TestGetRateInvalidAggregatorValue(t *testing.T) {
	agg := &stubAggregator{ccl: fetcher.AggregatorQuote{Sell: decimal.Zero}}
	svc := newService(agg, nil, fixedNow())

	_, err := svc.GetRate(context.Background(), "")
	require.Error(t, err)
	var unavailable *resolver.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Len(t, unavailable.Causes, 1)
	assert.ErrorIs(t, unavailable.Causes[0], resolver.ErrInvalidValue)

	svc.SetSession(&bondSession{prices: map[string]string{"AL30": "118000", "AL30D": "0"}})
	_, err = svc.GetRate(context.Background(), "")
	require.ErrorIs(t, err, resolver.ErrAllSourcesUnavailable)
}

func TestDetachSessionDisablesBond(t *testing.T) {
	agg := &stubAggregator{err: errors.New("down")}
	svc := newService(agg, nil, fixedNow())
	svc.SetSession(&bondSession{prices: map[string]string{"AL30": "120000", "AL30D": "100"}})
	svc.SetSession(nil)

	_, err := svc.GetRate(context.Background(), SourceBondRatio)
	require.ErrorIs(t, err, resolver.ErrAllSourcesUnavailable)
}

func TestGetRateServesStale(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	agg := &stubAggregator{ccl: fetcher.AggregatorQuote{Sell: decimal.NewFromInt(1195)}}
	svc := newService(agg, nil, clock)

	_, err := svc.GetRate(context.Background(), "")
	require.NoError(t, err)

	agg.setErr(errors.New("down"))
	now = now.Add(time.Hour)

	q, err := svc.GetRate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1195)))
}

func TestUnknownPreferredUsesDefault(t *testing.T) {
	svc := newService(&stubAggregator{}, nil, fixedNow())
	assert.Equal(t, []string{SourceAggregator, SourceBondRatio}, svc.order("bogus"))
	assert.Equal(t, []string{SourceAggregator, SourceBondRatio}, svc.Sources())
}

func TestGetMEPRate(t *testing.T) {
	agg := &stubAggregator{mep: fetcher.AggregatorQuote{Buy: decimal.NewFromInt(1170), Sell: decimal.NewFromInt(1175)}}
	svc := newService(agg, nil, fixedNow())

	q, err := svc.GetMEPRate(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1175)))
	assert.Equal(t, SourceAggregatorMEP, q.SourceID)
	assert.Equal(t, "MEP", q.SourceName)
}

func TestBondRatioUsesServiceClock(t *testing.T) {
	at := time.Date(2025, 3, 11, 13, 30, 0, 0, time.FixedZone("ART", -3*3600))
	svc := New(Options{Now: func() time.Time { return at }}, &stubAggregator{}, nil, zerolog.Nop())
	svc.SetSession(&bondSession{prices: map[string]string{"AL30": "118000", "AL30D": "100"}})

	q, err := svc.GetRate(context.Background(), SourceBondRatio)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11T16:30:00Z", q.LastUpdate)
}
