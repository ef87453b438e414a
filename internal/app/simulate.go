package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/service"
)

const simulatedSource = "simulated"

// SimulateOptions describe a synthetic market for one certificate.
type SimulateOptions struct {
	Symbol           string
	CertificateLocal decimal.Decimal
	UnderlyingUSD    decimal.Decimal
	Rate             decimal.Decimal
	Ratio            decimal.Decimal
}

// SimulateAlert runs the detection and alerting path against fixed prices.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("symbol is required")
	}

	rates := staticRates{rate: opts.Rate}
	table := ratios.NewStore([]ratios.Ratio{{CertificateSymbol: symbol, Numerator: opts.Ratio}})
	prices := pricing.New(pricing.Options{}, table, staticFeed{symbol: symbol, price: opts.CertificateLocal}, rates, nil, a.Logger)
	detector := arbitrage.New(arbitrage.Options{
		Threshold: decimal.NewFromFloat(a.Config.Arbitrage.Threshold),
	}, staticUnderlying{price: opts.UnderlyingUSD}, prices, rates, a.Logger)

	svcOpts := service.Options{
		Symbols:  []string{symbol},
		AlertsOn: true,
		Channels: a.Config.Alerting.Channels,
	}
	svc := service.New(svcOpts, service.Deps{
		Rates:    rates,
		Detector: detector,
		Notifier: a.newNotifier(),
	}, a.Logger)

	report, err := svc.ProcessBucket(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return report.Errors[0]
	}
	if len(report.Opportunities) == 0 {
		return fmt.Errorf("no opportunity at threshold %s; widen the simulated spread", detector.Threshold())
	}
	return writeScanReport(a.Out, report)
}

type staticRates struct {
	rate decimal.Decimal
}

func (s staticRates) GetRate(context.Context, string) (fxrate.Quote, error) {
	return fxrate.Quote{Rate: s.rate, Buy: s.rate, Sell: s.rate, SourceID: simulatedSource, SourceName: simulatedSource, ObservedAt: time.Now().UTC()}, nil
}

func (s staticRates) GetMEPRate(ctx context.Context) (fxrate.Quote, error) {
	return s.GetRate(ctx, "")
}

type staticFeed struct {
	symbol string
	price  decimal.Decimal
}

func (s staticFeed) Listing(_ context.Context, symbol string) (fetcher.Listing, error) {
	if symbol != s.symbol {
		return fetcher.Listing{}, fetcher.ErrSymbolNotFound
	}
	return fetcher.Listing{Symbol: symbol, Trade: s.price, ClosingPrice: s.price}, nil
}

type staticUnderlying struct {
	price decimal.Decimal
}

func (s staticUnderlying) Price(_ context.Context, symbol string) (fetcher.InternationalQuote, error) {
	return fetcher.InternationalQuote{Symbol: symbol, Price: s.price, Currency: "USD", SourceName: simulatedSource, Timestamp: time.Now().UTC()}, nil
}

var (
	_ service.RateQuoter               = staticRates{}
	_ fetcher.EODFeed                  = staticFeed{}
	_ fetcher.InternationalPriceSource = staticUnderlying{}
)
