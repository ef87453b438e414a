package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRetention = 24 * time.Hour

// RedisCache keeps one hash per concept, one field per source, so several
// processes can share resolved values.
type RedisCache struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisCache wraps an existing client. retention bounds how long a concept
// survives without writes; it is not a freshness TTL.
func NewRedisCache(client redis.UniversalClient, prefix string, retention time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "cedearwatch:cache"
	}
	if retention <= 0 {
		retention = defaultRedisRetention
	}
	return &RedisCache{client: client, prefix: prefix, retention: retention}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(concept string) string {
	return fmt.Sprintf("%s:%s", c.prefix, concept)
}

// Get reads the field for source.
func (c *RedisCache) Get(ctx context.Context, concept, source string) (Entry, bool, error) {
	raw, err := c.client.HGet(ctx, c.key(concept), source).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hget %s: %w", concept, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %s/%s: %w", concept, source, err)
	}
	return e, true, nil
}

// Put writes the entry and refreshes the concept retention.
func (c *RedisCache) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	key := c.key(entry.Concept)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, entry.Source, raw)
	pipe.Expire(ctx, key, c.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", entry.Concept, err)
	}
	return nil
}

// Scan returns every source entry stored under concept.
func (c *RedisCache) Scan(ctx context.Context, concept string) ([]Entry, error) {
	fields, err := c.client.HGetAll(ctx, c.key(concept)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", concept, err)
	}
	out := make([]Entry, 0, len(fields))
	for _, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Cache = (*RedisCache)(nil)
