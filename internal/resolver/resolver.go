package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"cedear-arbitrage/internal/metrics"
)

var (
	// ErrSourceUnavailable marks a single failed source. It is recorded and
	// the resolver moves on.
	ErrSourceUnavailable = errors.New("resolver: source unavailable")
	// ErrInvalidValue marks an upstream answer that parsed but is unusable,
	// such as a non-positive price. Treated like ErrSourceUnavailable.
	ErrInvalidValue = errors.New("resolver: invalid upstream value")
	// ErrAllSourcesUnavailable is returned when every live source failed and
	// nothing was cached for the concept.
	ErrAllSourcesUnavailable = errors.New("resolver: all sources unavailable")
)

// UnavailableError details an exhausted fallback chain.
type UnavailableError struct {
	Concept   string
	Attempted []string
	Causes    []error
}

func (e *UnavailableError) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("%s: %s: no enabled sources", ErrAllSourcesUnavailable, e.Concept)
	}
	parts := make([]string, 0, len(e.Causes))
	for _, cause := range e.Causes {
		parts = append(parts, cause.Error())
	}
	return fmt.Sprintf("%s: %s: tried %s: %s", ErrAllSourcesUnavailable, e.Concept, strings.Join(e.Attempted, ","), strings.Join(parts, "; "))
}

// Is matches ErrAllSourcesUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrAllSourcesUnavailable
}

// Source is one named provider for a concept.
type Source[T any] struct {
	Name     string
	Fetch    func(ctx context.Context) (T, error)
	Disabled bool
}

// Request describes a single resolution.
type Request[T any] struct {
	Concept   string
	Sources   []Source[T]
	Preferred string
	TTL       time.Duration
}

// Metadata reports how a value was obtained.
type Metadata struct {
	Source           string
	PreferredSource  string
	FallbackUsed     bool
	CacheHit         bool
	StaleCacheUsed   bool
	AttemptedSources []string
	StoredAt         time.Time
	ResolvedAt       time.Time
}

// Result pairs a value with its metadata.
type Result[T any] struct {
	Value T
	Meta  Metadata
}

// BreakerSettings tune the per-source circuit breakers.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Options configure a Resolver.
type Options struct {
	Cache   Cache
	Breaker BreakerSettings
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Resolver walks an ordered source list with caching and a stale last resort.
type Resolver[T any] struct {
	cache   Cache
	breaker BreakerSettings
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger

	// flight collapses concurrent live passes for the same concept so a
	// half-open breaker admits them as one request.
	flight singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[T]
}

// New constructs a Resolver. A nil cache gets a private MemoryCache.
func New[T any](opts Options, logger zerolog.Logger) *Resolver[T] {
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	breaker := opts.Breaker
	if breaker.FailureThreshold == 0 {
		breaker.FailureThreshold = 3
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = 30 * time.Second
	}
	return &Resolver[T]{
		cache:    cache,
		breaker:  breaker,
		metrics:  opts.Metrics,
		now:      now,
		logger:   logger.With().Str("component", "resolver").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[T]),
	}
}

// Resolve returns the first fresh cached or live value in priority order,
// falling back to the newest cached value of any age.
func (r *Resolver[T]) Resolve(ctx context.Context, req Request[T]) (Result[T], error) {
	preferred := req.Preferred
	if preferred == "" {
		for _, src := range req.Sources {
			if !src.Disabled {
				preferred = src.Name
				break
			}
		}
	}

	if res, ok := r.fromFreshCache(ctx, req, preferred); ok {
		return res, nil
	}

	shared, err, _ := r.flight.Do(req.Concept+"|"+preferred, func() (any, error) {
		// A pass that finished while this caller waited may have filled the cache.
		if res, ok := r.fromFreshCache(ctx, req, preferred); ok {
			return res, nil
		}
		return r.resolveLive(ctx, req, preferred)
	})
	if err != nil {
		return Result[T]{}, err
	}
	return shared.(Result[T]), nil
}

func (r *Resolver[T]) resolveLive(ctx context.Context, req Request[T], preferred string) (Result[T], error) {
	attempted := make([]string, 0, len(req.Sources))
	causes := make([]error, 0, len(req.Sources))
	for _, src := range req.Sources {
		if src.Disabled {
			continue
		}
		attempted = append(attempted, src.Name)

		value, err := r.breakerFor(req.Concept, src.Name).Execute(func() (T, error) {
			return src.Fetch(ctx)
		})
		r.metrics.SourceAttempt(req.Concept, src.Name, err)
		if err != nil {
			wrapped := fmt.Errorf("%s: %w: %w", src.Name, ErrSourceUnavailable, err)
			causes = append(causes, wrapped)
			r.logger.Debug().Err(err).Str("concept", req.Concept).Str("source", src.Name).Msg("source failed, trying next")
			continue
		}

		now := r.now()
		r.store(ctx, req.Concept, src.Name, value, now)
		return Result[T]{
			Value: value,
			Meta: Metadata{
				Source:           src.Name,
				PreferredSource:  preferred,
				FallbackUsed:     src.Name != preferred,
				AttemptedSources: attempted,
				StoredAt:         now,
				ResolvedAt:       now,
			},
		}, nil
	}

	if res, ok := r.fromStaleCache(ctx, req.Concept, preferred, attempted); ok {
		r.logger.Warn().Str("concept", req.Concept).Str("source", res.Meta.Source).
			Time("stored_at", res.Meta.StoredAt).Msg("all sources failed, serving stale cache")
		return res, nil
	}

	return Result[T]{}, &UnavailableError{Concept: req.Concept, Attempted: attempted, Causes: causes}
}

func (r *Resolver[T]) fromFreshCache(ctx context.Context, req Request[T], preferred string) (Result[T], bool) {
	now := r.now()
	for _, src := range req.Sources {
		entry, ok, err := r.cache.Get(ctx, req.Concept, src.Name)
		if err != nil {
			r.logger.Warn().Err(err).Str("concept", req.Concept).Msg("cache read failed")
			continue
		}
		if !ok || !entry.Fresh(now, req.TTL) {
			continue
		}
		var value T
		if err := json.Unmarshal(entry.Payload, &value); err != nil {
			r.logger.Warn().Err(err).Str("concept", req.Concept).Str("source", src.Name).Msg("discarding undecodable cache entry")
			continue
		}
		r.metrics.CacheServe(req.Concept, src.Name, false)
		return Result[T]{
			Value: value,
			Meta: Metadata{
				Source:           src.Name,
				PreferredSource:  preferred,
				FallbackUsed:     src.Name != preferred,
				CacheHit:         true,
				AttemptedSources: []string{src.Name},
				StoredAt:         entry.StoredAt,
				ResolvedAt:       now,
			},
		}, true
	}
	return Result[T]{}, false
}

func (r *Resolver[T]) fromStaleCache(ctx context.Context, concept, preferred string, attempted []string) (Result[T], bool) {
	entries, err := r.cache.Scan(ctx, concept)
	if err != nil {
		r.logger.Warn().Err(err).Str("concept", concept).Msg("cache scan failed")
		return Result[T]{}, false
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StoredAt.After(entries[j].StoredAt)
	})
	for _, entry := range entries {
		var value T
		if err := json.Unmarshal(entry.Payload, &value); err != nil {
			r.logger.Warn().Err(err).Str("concept", concept).Str("source", entry.Source).Msg("skipping undecodable stale entry")
			continue
		}
		r.metrics.CacheServe(concept, entry.Source, true)
		return Result[T]{
			Value: value,
			Meta: Metadata{
				Source:           entry.Source,
				PreferredSource:  preferred,
				FallbackUsed:     true,
				CacheHit:         true,
				StaleCacheUsed:   true,
				AttemptedSources: attempted,
				StoredAt:         entry.StoredAt,
				ResolvedAt:       r.now(),
			},
		}, true
	}
	return Result[T]{}, false
}

func (r *Resolver[T]) store(ctx context.Context, concept, source string, value T, at time.Time) {
	payload, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn().Err(err).Str("concept", concept).Msg("value not cacheable")
		return
	}
	if err := r.cache.Put(ctx, Entry{Concept: concept, Source: source, Payload: payload, StoredAt: at}); err != nil {
		r.logger.Warn().Err(err).Str("concept", concept).Str("source", source).Msg("cache write failed")
	}
}

// breakerFor keys breakers by concept and source so a bad symbol never trips
// the same source for other symbols.
func (r *Resolver[T]) breakerFor(concept, source string) *gobreaker.CircuitBreaker[T] {
	key := concept + "|" + source
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	threshold := r.breaker.FailureThreshold
	logger := r.logger
	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     r.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("source breaker state changed")
		},
	})
	r.breakers[key] = cb
	return cb
}
