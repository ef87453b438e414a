package fxrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/broker"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/resolver"
)

const (
	// SourceAggregator is the public dolarapi CCL quote.
	SourceAggregator = "dolarapi_ccl"
	// SourceBondRatio is local/foreign price of the same bond series via the broker.
	SourceBondRatio = "ccl_bond"
	// SourceAggregatorMEP is the public dolarapi MEP quote.
	SourceAggregatorMEP = "dolarapi_mep"

	conceptCCL = "rate"
	conceptMEP = "rate:mep"
)

// Quote is one resolved exchange rate in local currency per USD.
type Quote struct {
	Rate             decimal.Decimal `json:"rate"`
	Buy              decimal.Decimal `json:"buy"`
	Sell             decimal.Decimal `json:"sell"`
	SourceID         string          `json:"source_id"`
	SourceName       string          `json:"source_name"`
	LastUpdate       string          `json:"last_update,omitempty"`
	PreferredSource  string          `json:"preferred_source"`
	FallbackUsed     bool            `json:"fallback_used"`
	CacheHit         bool            `json:"cache_hit"`
	Stale            bool            `json:"stale"`
	AttemptedSources []string        `json:"attempted_sources"`
	StoredAt         time.Time       `json:"stored_at"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// Options configure the service.
type Options struct {
	PreferredSource string
	CacheTTL        time.Duration
	BondLocal       string
	BondForeign     string
	Market          string
	Resolver        resolver.Options
	Now             func() time.Time
}

// Service resolves the CCL rate across the aggregator and the bond ratio.
type Service struct {
	opts       Options
	aggregator fetcher.FXAggregator
	session    *broker.SessionHolder
	resolver   *resolver.Resolver[rateValue]
	logger     zerolog.Logger
}

type rateValue struct {
	Rate       decimal.Decimal `json:"rate"`
	Buy        decimal.Decimal `json:"buy"`
	Sell       decimal.Decimal `json:"sell"`
	SourceName string          `json:"source_name"`
	LastUpdate string          `json:"last_update"`
}

// New wires the service. session may be shared with other components and
// may start empty.
func New(opts Options, aggregator fetcher.FXAggregator, session *broker.SessionHolder, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.PreferredSource == "" {
		opts.PreferredSource = SourceAggregator
	}
	if opts.BondLocal == "" {
		opts.BondLocal = "AL30"
	}
	if opts.BondForeign == "" {
		opts.BondForeign = "AL30D"
	}
	if opts.Market == "" {
		opts.Market = "bCBA"
	}
	if opts.Now == nil {
		opts.Now = opts.Resolver.Now
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resolver.Now == nil {
		opts.Resolver.Now = opts.Now
	}
	if session == nil {
		session = broker.NewSessionHolder()
	}
	return &Service{
		opts:       opts,
		aggregator: aggregator,
		session:    session,
		resolver:   resolver.New[rateValue](opts.Resolver, logger),
		logger:     logger.With().Str("component", "fxrate").Logger(),
	}
}

// SetSession attaches or detaches the broker session for every holder user.
func (s *Service) SetSession(session broker.Session) {
	s.session.Set(session)
}

// Sources lists known source ids in default priority order.
func (s *Service) Sources() []string {
	return s.order(s.opts.PreferredSource)
}

// GetRate resolves the CCL rate, trying preferred first. An empty or unknown
// preferred falls back to the configured default.
func (s *Service) GetRate(ctx context.Context, preferred string) (Quote, error) {
	order := s.order(preferred)
	sources := make([]resolver.Source[rateValue], 0, len(order))
	for _, name := range order {
		switch name {
		case SourceAggregator:
			sources = append(sources, resolver.Source[rateValue]{Name: name, Fetch: s.fetchAggregator})
		case SourceBondRatio:
			sources = append(sources, resolver.Source[rateValue]{Name: name, Fetch: s.fetchBondRatio, Disabled: !s.session.Active()})
		}
	}

	res, err := s.resolver.Resolve(ctx, resolver.Request[rateValue]{
		Concept:   conceptCCL,
		Sources:   sources,
		Preferred: order[0],
		TTL:       s.opts.CacheTTL,
	})
	if err != nil {
		return Quote{}, fmt.Errorf("resolve exchange rate: %w", err)
	}
	return toQuote(res), nil
}

// GetMEPRate resolves the MEP rate from the aggregator only.
func (s *Service) GetMEPRate(ctx context.Context) (Quote, error) {
	res, err := s.resolver.Resolve(ctx, resolver.Request[rateValue]{
		Concept: conceptMEP,
		Sources: []resolver.Source[rateValue]{{Name: SourceAggregatorMEP, Fetch: func(ctx context.Context) (rateValue, error) {
			q, err := s.aggregator.MEP(ctx)
			if err != nil {
				return rateValue{}, err
			}
			return aggregatorValue(q, "MEP")
		}}},
		TTL: s.opts.CacheTTL,
	})
	if err != nil {
		return Quote{}, fmt.Errorf("resolve mep rate: %w", err)
	}
	return toQuote(res), nil
}

func (s *Service) order(preferred string) []string {
	preferred = strings.TrimSpace(preferred)
	if preferred != SourceAggregator && preferred != SourceBondRatio {
		preferred = s.opts.PreferredSource
	}
	if preferred == SourceBondRatio {
		return []string{SourceBondRatio, SourceAggregator}
	}
	return []string{SourceAggregator, SourceBondRatio}
}

func (s *Service) fetchAggregator(ctx context.Context) (rateValue, error) {
	q, err := s.aggregator.CCL(ctx)
	if err != nil {
		return rateValue{}, err
	}
	return aggregatorValue(q, "CCL")
}

func aggregatorValue(q fetcher.AggregatorQuote, fallbackName string) (rateValue, error) {
	if !q.Sell.IsPositive() {
		return rateValue{}, fmt.Errorf("%w: aggregator sell %s", resolver.ErrInvalidValue, q.Sell)
	}
	name := q.Name
	if name == "" {
		name = fallbackName
	}
	return rateValue{Rate: q.Sell, Buy: q.Buy, Sell: q.Sell, SourceName: name, LastUpdate: q.LastUpdate}, nil
}

func (s *Service) fetchBondRatio(ctx context.Context) (rateValue, error) {
	session := s.session.Current()
	if session == nil {
		return rateValue{}, broker.ErrNoSession
	}
	local, err := broker.FetchQuote(ctx, session, s.opts.Market, s.opts.BondLocal)
	if err != nil {
		return rateValue{}, err
	}
	foreign, err := broker.FetchQuote(ctx, session, s.opts.Market, s.opts.BondForeign)
	if err != nil {
		return rateValue{}, err
	}
	if !local.Last.IsPositive() || !foreign.Last.IsPositive() {
		return rateValue{}, fmt.Errorf("%w: bond prices %s=%s %s=%s", resolver.ErrInvalidValue,
			s.opts.BondLocal, local.Last, s.opts.BondForeign, foreign.Last)
	}

	rate := local.Last.Div(foreign.Last)
	s.logger.Debug().Str("local", local.Last.String()).Str("foreign", foreign.Last.String()).
		Str("rate", rate.String()).Msg("bond ratio computed")
	return rateValue{
		Rate:       rate,
		Buy:        rate,
		Sell:       rate,
		SourceName: "CCL " + s.opts.BondLocal,
		LastUpdate: s.opts.Now().UTC().Format(time.RFC3339),
	}, nil
}

func toQuote(res resolver.Result[rateValue]) Quote {
	return Quote{
		Rate:             res.Value.Rate,
		Buy:              res.Value.Buy,
		Sell:             res.Value.Sell,
		SourceID:         res.Meta.Source,
		SourceName:       res.Value.SourceName,
		LastUpdate:       res.Value.LastUpdate,
		PreferredSource:  res.Meta.PreferredSource,
		FallbackUsed:     res.Meta.FallbackUsed,
		CacheHit:         res.Meta.CacheHit,
		Stale:            res.Meta.StaleCacheUsed,
		AttemptedSources: res.Meta.AttemptedSources,
		StoredAt:         res.Meta.StoredAt,
		ObservedAt:       res.Meta.ResolvedAt,
	}
}
