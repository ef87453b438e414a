package resolver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a disposable Redis; set CEDEARWATCH_TEST_REDIS_ADDR to run.
func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	addr := os.Getenv("CEDEARWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CEDEARWATCH_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	cache := NewRedisCache(client, "cedearwatch:test", time.Hour)
	require.NoError(t, cache.Ping(context.Background()))
	return cache
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()
	stored := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, cache.Put(ctx, Entry{Concept: "rate", Source: "A", Payload: []byte(`1000`), StoredAt: stored}))
	require.NoError(t, cache.Put(ctx, Entry{Concept: "rate", Source: "B", Payload: []byte(`990`), StoredAt: stored}))

	e, ok, err := cache.Get(ctx, "rate", "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`1000`), e.Payload)
	assert.True(t, stored.Equal(e.StoredAt))

	_, ok, err = cache.Get(ctx, "rate", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := cache.Scan(ctx, "rate")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRedisCacheBacksResolver(t *testing.T) {
	cache := newTestRedisCache(t)
	clock := newFakeClock()
	r := New[float64](Options{Cache: cache, Now: clock.Now}, zerolog.Nop())
	src := &countingSource{value: 1100}
	req := Request[float64]{Concept: "rate", Sources: []Source[float64]{{Name: "A", Fetch: src.fetch}}, TTL: time.Minute}

	_, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Meta.CacheHit)
	assert.Equal(t, 1, src.Calls())
}
