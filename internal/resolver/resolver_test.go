package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	value float64
	err   error
	delay time.Duration
}

func (s *countingSource) fetch(context.Context) (float64, error) {
	s.mu.Lock()
	s.calls++
	value, err, delay := s.value, s.err, s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *countingSource) Heal(value float64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.value, s.delay = nil, value, delay
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func newTestResolver(clock *fakeClock) *Resolver[float64] {
	return New[float64](Options{Now: clock.Now, Breaker: BreakerSettings{FailureThreshold: 100}}, zerolog.Nop())
}

func TestResolveFallbackOrdering(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock)
	a := &countingSource{err: errors.New("down")}
	b := &countingSource{value: 1050}

	res, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1050.0, res.Value)
	assert.Equal(t, "B", res.Meta.Source)
	assert.Equal(t, "A", res.Meta.PreferredSource)
	assert.True(t, res.Meta.FallbackUsed)
	assert.False(t, res.Meta.CacheHit)
	assert.Equal(t, []string{"A", "B"}, res.Meta.AttemptedSources)
}

func TestResolvePreferredSucceeds(t *testing.T) {
	r := newTestResolver(newFakeClock())
	a := &countingSource{value: 1}
	b := &countingSource{value: 2}

	res, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, res.Meta.FallbackUsed)
	assert.Equal(t, []string{"A"}, res.Meta.AttemptedSources)
	assert.Equal(t, 0, b.Calls())
}

func TestResolveCacheFreshness(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock)
	a := &countingSource{value: 1000}
	req := Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}},
		TTL:     5 * time.Minute,
	}

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, a.Calls())

	clock.Advance(5*time.Minute - time.Second)
	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls(), "fresh entry must not refetch")
	assert.True(t, res.Meta.CacheHit)
	assert.Equal(t, []string{"A"}, res.Meta.AttemptedSources)

	clock.Advance(time.Second)
	res, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls(), "entry at exactly ttl must refetch")
	assert.False(t, res.Meta.CacheHit)
}

func TestResolveCacheHitOnFallbackSource(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock)
	a := &countingSource{err: errors.New("down")}
	b := &countingSource{value: 7}
	req := Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	}

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Meta.CacheHit)
	assert.True(t, res.Meta.FallbackUsed)
	assert.Equal(t, []string{"B"}, res.Meta.AttemptedSources)
	assert.Equal(t, 1, a.Calls())
}

func TestResolveStaleLastResort(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock)
	a := &countingSource{value: 900}
	b := &countingSource{err: errors.New("down")}
	req := Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	}

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	storedAt := clock.Now()

	a.Fail(errors.New("now down too"))
	clock.Advance(3 * time.Hour)

	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 900.0, res.Value)
	assert.True(t, res.Meta.StaleCacheUsed)
	assert.Equal(t, "A", res.Meta.Source)
	assert.Equal(t, storedAt, res.Meta.StoredAt)
	assert.Equal(t, []string{"A", "B"}, res.Meta.AttemptedSources)
}

func TestResolveStalePicksNewestEntry(t *testing.T) {
	clock := newFakeClock()
	cache := NewMemoryCache()
	r := New[float64](Options{Cache: cache, Now: clock.Now}, zerolog.Nop())

	older := clock.Now().Add(-2 * time.Hour)
	newer := clock.Now().Add(-1 * time.Hour)
	require.NoError(t, cache.Put(context.Background(), Entry{Concept: "rate", Source: "A", Payload: []byte("1"), StoredAt: older}))
	require.NoError(t, cache.Put(context.Background(), Entry{Concept: "rate", Source: "B", Payload: []byte("2"), StoredAt: newer}))

	failing := &countingSource{err: errors.New("down")}
	res, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: failing.fetch}, {Name: "B", Fetch: failing.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Value)
	assert.Equal(t, "B", res.Meta.Source)
}

func TestResolveAllSourcesUnavailable(t *testing.T) {
	r := newTestResolver(newFakeClock())
	a := &countingSource{err: errors.New("a down")}
	b := &countingSource{err: errors.New("b down")}

	_, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "price:AAPL",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllSourcesUnavailable))

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, []string{"A", "B"}, unavailable.Attempted)
	require.Len(t, unavailable.Causes, 2)
	assert.True(t, errors.Is(unavailable.Causes[0], ErrSourceUnavailable))
}

func TestResolveInvalidValueFallsThrough(t *testing.T) {
	r := newTestResolver(newFakeClock())
	invalid := func(context.Context) (float64, error) { return 0, ErrInvalidValue }
	b := &countingSource{value: 3}

	res, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: invalid}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Meta.Source)
}

func TestResolveSkipsDisabledSources(t *testing.T) {
	r := newTestResolver(newFakeClock())
	a := &countingSource{value: 1}
	b := &countingSource{value: 2}

	res, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch, Disabled: true}, {Name: "B", Fetch: b.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Meta.Source)
	assert.Equal(t, "B", res.Meta.PreferredSource)
	assert.False(t, res.Meta.FallbackUsed)
	assert.Equal(t, []string{"B"}, res.Meta.AttemptedSources)
	assert.Equal(t, 0, a.Calls())
}

func TestResolveNoEnabledSources(t *testing.T) {
	r := newTestResolver(newFakeClock())
	a := &countingSource{value: 1}
	_, err := r.Resolve(context.Background(), Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: a.fetch, Disabled: true}},
		TTL:     time.Minute,
	})
	require.ErrorIs(t, err, ErrAllSourcesUnavailable)
}

func TestBreakerOpensPerConcept(t *testing.T) {
	r := New[float64](Options{Now: newFakeClock().Now, Breaker: BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Hour}}, zerolog.Nop())
	a := &countingSource{err: errors.New("down")}
	b := &countingSource{value: 5}
	req := func(concept string) Request[float64] {
		return Request[float64]{
			Concept: concept,
			Sources: []Source[float64]{{Name: "A", Fetch: a.fetch}, {Name: "B", Fetch: b.fetch}},
		}
	}

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(context.Background(), req("price:AAPL"))
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, res.Meta.AttemptedSources)
	}
	assert.Equal(t, 2, a.Calls(), "open breaker short-circuits the third call")

	_, err := r.Resolve(context.Background(), req("price:KO"))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Calls(), "other concepts keep their own breaker")
}

func TestHalfOpenBreakerServesConcurrentCallers(t *testing.T) {
	clock := newFakeClock()
	r := New[float64](Options{Now: clock.Now, Breaker: BreakerSettings{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond}}, zerolog.Nop())
	agg := &countingSource{err: errors.New("down")}
	req := Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "dolarapi_ccl", Fetch: agg.fetch}},
		TTL:     time.Minute,
	}

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), req)
		require.Error(t, err)
	}
	_, err := r.Resolve(context.Background(), req)
	require.ErrorIs(t, err, ErrAllSourcesUnavailable)
	require.Equal(t, 3, agg.Calls(), "breaker is open")

	agg.Heal(1180, 20*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	values := make([]float64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), req)
			errs[i], values[i] = err, res.Value
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, 1180.0, values[i])
	}
	assert.Equal(t, 4, agg.Calls(), "concurrent callers share one upstream fetch")
}

func TestResolveStaleSkipsUndecodableEntry(t *testing.T) {
	clock := newFakeClock()
	cache := NewMemoryCache()
	r := New[float64](Options{Cache: cache, Now: clock.Now}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, Entry{Concept: "rate", Source: "A", Payload: []byte("1175"), StoredAt: clock.Now().Add(-3 * time.Hour)}))
	require.NoError(t, cache.Put(ctx, Entry{Concept: "rate", Source: "B", Payload: []byte("{corrupt"), StoredAt: clock.Now().Add(-time.Hour)}))

	failing := &countingSource{err: errors.New("down")}
	res, err := r.Resolve(ctx, Request[float64]{
		Concept: "rate",
		Sources: []Source[float64]{{Name: "A", Fetch: failing.fetch}, {Name: "B", Fetch: failing.fetch}},
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1175.0, res.Value)
	assert.Equal(t, "A", res.Meta.Source)
	assert.True(t, res.Meta.StaleCacheUsed)
}

func TestMemoryCacheEvict(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, Entry{Concept: "rate", Source: "A", StoredAt: now.Add(-time.Hour)}))
	require.NoError(t, c.Put(ctx, Entry{Concept: "rate", Source: "B", StoredAt: now}))
	require.NoError(t, c.Put(ctx, Entry{Concept: "price:KO", Source: "A", StoredAt: now.Add(-time.Hour)}))

	assert.Equal(t, 2, c.Evict(now.Add(-time.Minute)))
	assert.Equal(t, 1, c.Len())

	entries, err := c.Scan(ctx, "price:KO")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntryFresh(t *testing.T) {
	now := time.Now()
	e := Entry{StoredAt: now.Add(-time.Minute)}
	assert.True(t, e.Fresh(now, 2*time.Minute))
	assert.False(t, e.Fresh(now, time.Minute))
	assert.False(t, e.Fresh(now, 0))
	assert.False(t, Entry{}.Fresh(now, time.Hour))
}
