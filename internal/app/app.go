package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cedear-arbitrage/internal/alerting"
	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/config"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/metrics"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
	"cedear-arbitrage/internal/scheduler"
	"cedear-arbitrage/internal/server"
	"cedear-arbitrage/internal/service"
	"cedear-arbitrage/internal/storage"
	"cedear-arbitrage/internal/variation"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engine is the wired resolution stack shared by every command.
type engine struct {
	metrics  *metrics.Metrics
	session  *broker.SessionHolder
	memory   *resolver.MemoryCache
	ratios   *ratios.Store
	symbols  []string
	calendar *fetcher.Calendar
	byma     *fetcher.BYMA
	rates    *fxrate.Service
	prices   *pricing.Fetcher
	detector *arbitrage.Detector
	analyzer *variation.Analyzer
	closers  []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (a *App) newEngine(ctx context.Context, symbolOverride []string) (*engine, error) {
	cfg := a.Config
	eng := &engine{metrics: metrics.New(), session: broker.NewSessionHolder()}
	eng.session.OnChange(eng.metrics.SessionActive)

	cache, err := a.newCache(ctx, eng)
	if err != nil {
		return nil, err
	}
	resolverOpts := resolver.Options{
		Cache: cache,
		Breaker: resolver.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		},
		Metrics: eng.metrics,
	}

	eng.ratios, err = ratios.LoadFile(cfg.Ratios.Path)
	if err != nil {
		return nil, err
	}
	eng.symbols = cfg.ResolveSymbols(symbolOverride)
	if len(eng.symbols) == 0 {
		eng.symbols = eng.ratios.Symbols()
	}
	a.Logger.Info().Int("ratios", eng.ratios.Len()).Int("symbols", len(eng.symbols)).Msg("ratio table loaded")

	calendar, err := fetcher.NewCalendar(cfg.BYMA.Holidays)
	if err != nil {
		return nil, err
	}
	aggregator := fetcher.NewAggregator(fetcher.AggregatorOptions{
		BaseURL:   cfg.FX.AggregatorURL,
		Timeout:   cfg.HTTP.RequestTimeout,
		UserAgent: cfg.HTTP.UserAgent,
	}, a.Logger)
	byma := fetcher.NewBYMA(fetcher.BYMAOptions{
		BaseURL:       cfg.BYMA.BaseURL,
		HistoricalURL: cfg.BYMA.HistoricalURL,
		Timeout:       cfg.HTTP.RequestTimeout,
		FeedTTL:       cfg.BYMA.FeedTTL,
		UserAgent:     cfg.HTTP.UserAgent,
		Calendar:      calendar,
	}, a.Logger)
	eng.calendar, eng.byma = calendar, byma
	finnhub := fetcher.NewFinnhub(fetcher.FinnhubOptions{
		BaseURL:           cfg.Finnhub.BaseURL,
		APIKey:            cfg.Finnhub.APIKey,
		RequestsPerMinute: cfg.Finnhub.RequestsPerMinute,
		Timeout:           cfg.HTTP.RequestTimeout,
	}, a.Logger)
	if cfg.Finnhub.APIKey == "" {
		a.Logger.Warn().Msg("finnhub.api_key not configured; underlying quotes will fail")
	}

	eng.rates = fxrate.New(fxrate.Options{
		PreferredSource: cfg.FX.PreferredSource,
		CacheTTL:        cfg.FX.CacheTTL,
		BondLocal:       cfg.FX.BondLocal,
		BondForeign:     cfg.FX.BondForeign,
		Market:          cfg.Broker.Market,
		Resolver:        resolverOpts,
	}, aggregator, eng.session, a.Logger)

	eng.prices = pricing.New(pricing.Options{
		CacheTTL:   cfg.Pricing.CacheTTL,
		Market:     cfg.Broker.Market,
		RateSource: cfg.FX.PreferredSource,
		Resolver:   resolverOpts,
	}, eng.ratios, byma, eng.rates, eng.session, a.Logger)

	eng.detector = arbitrage.New(arbitrage.Options{
		Threshold:  decimal.NewFromFloat(cfg.Arbitrage.Threshold),
		RateSource: cfg.FX.PreferredSource,
		Metrics:    eng.metrics,
	}, finnhub, eng.prices, eng.rates, a.Logger)

	eng.analyzer = variation.New(variation.Options{
		RateSource: cfg.FX.PreferredSource,
		Metrics:    eng.metrics,
	}, variation.Sources{
		Prices:           eng.prices,
		Underlying:       finnhub,
		UnderlyingBefore: finnhub,
		Rates:            eng.rates,
		RatesBefore:      byma,
	}, a.Logger)

	if cfg.Broker.AccessToken != "" {
		session, err := broker.NewTokenSession(broker.TokenOptions{
			BaseURL:     cfg.Broker.BaseURL,
			AccessToken: cfg.Broker.AccessToken,
			UserAgent:   cfg.HTTP.UserAgent,
			Timeout:     cfg.HTTP.RequestTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		eng.detector.SetSession(session)
	}
	a.Logger.Info().Str("mode", string(eng.prices.Mode())).Msg("price mode selected")

	return eng, nil
}

func (a *App) newCache(ctx context.Context, eng *engine) (resolver.Cache, error) {
	cfg := a.Config.Cache
	if cfg.Backend != "redis" {
		eng.memory = resolver.NewMemoryCache()
		return eng.memory, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.RedisDB,
	})
	cache := resolver.NewRedisCache(client, cfg.Prefix, cfg.Retention)
	if err := cache.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	eng.closers = append(eng.closers, func() { _ = client.Close() })
	a.Logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis resolver cache")
	return cache, nil
}

func (a *App) newNotifier() alerting.Notifier {
	channels := map[string]alerting.Notifier{
		"log": alerting.NewLogNotifier(a.Logger),
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels["telegram"] = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewFanout(channels)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// RunOptions configure the long-running service.
type RunOptions struct {
	Symbols []string
	// Serve also starts the HTTP API on the configured address.
	Serve bool
	// Once runs a single scan and exits.
	Once bool
}

// Run executes the monitoring service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		if err := a.migrate(ctx, store); err != nil {
			return err
		}
	}

	eng, err := a.newEngine(ctx, opts.Symbols)
	if err != nil {
		return err
	}
	defer eng.Close()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Cron:         a.Config.Scheduler.Cron,
		Location:     fetcher.BuenosAires,
	}, a.Logger)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Scheduler: sched,
		Rates:     eng.rates,
		Detector:  eng.detector,
		Analyzer:  eng.analyzer,
		Notifier:  a.newNotifier(),
		Metrics:   eng.metrics,
	}
	if store != nil {
		deps.Samples = store
		deps.Opportunities = store
		deps.Variations = store
		deps.Locker = store
	}
	svc := service.New(a.serviceOptions(eng), deps, a.Logger)

	if opts.Once {
		report, err := svc.ProcessBucket(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		return writeScanReport(a.Out, report)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Strs("symbols", eng.symbols).Msg("starting monitoring service")
		return svc.Run(gctx)
	})
	if eng.memory != nil && a.Config.Cache.Retention > 0 {
		group.Go(func() error {
			return a.evictLoop(gctx, eng.memory)
		})
	}
	if opts.Serve {
		srv := a.newServer(eng)
		group.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Serve runs only the HTTP API.
func (a *App) Serve(ctx context.Context, symbols []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := a.newEngine(ctx, symbols)
	if err != nil {
		return err
	}
	defer eng.Close()

	return a.newServer(eng).Run(ctx)
}

func (a *App) newServer(eng *engine) *server.Server {
	handler := server.NewRouter(&server.Handlers{
		Service:  a.Config.App.Name,
		Rates:    eng.rates,
		Prices:   eng.prices,
		Detector: eng.detector,
		Analyzer: eng.analyzer,
		Symbols:  eng.symbols,
		Metrics:  eng.metrics,
		Logger:   a.Logger,
	})
	return server.New(server.Options{
		Addr:         a.Config.Server.Addr,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}, handler, a.Logger)
}

func (a *App) serviceOptions(eng *engine) service.Options {
	return service.Options{
		Symbols:    eng.symbols,
		RateSource: a.Config.FX.PreferredSource,
		TrackMEP:   true,
		AlertsOn:   a.Config.Alerting.Enabled,
		Channels:   a.Config.Alerting.Channels,
		Cooldown:   a.Config.Alerting.Cooldown,
		LockKey:    a.Config.Scheduler.AdvisoryLockKey,
	}
}

func (a *App) evictLoop(ctx context.Context, cache *resolver.MemoryCache) error {
	retention := a.Config.Cache.Retention
	ticker := time.NewTicker(retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := cache.Evict(now.Add(-retention)); n > 0 {
				a.Logger.Debug().Int("evicted", n).Msg("resolver cache evicted")
			}
		}
	}
}

func (a *App) migrate(ctx context.Context, store *storage.Store) error {
	pool, err := store.Pool()
	if err != nil {
		return err
	}
	fsys, dir := migrationSource(a.Config.Database.MigrationsPath)
	applied, err := storage.ApplyMigrations(ctx, pool, fsys, dir, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("applied", applied).Msg("schema up to date")
	return nil
}

// ExportOptions hold parameters for exporting history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Opportunities exports detected opportunities instead of rate samples.
	Opportunities bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Kind is one of samples, opportunities or variations.
	Kind string
}
