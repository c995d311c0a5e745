package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FastTier is the Redis-backed low-latency tier. Expiry is enforced natively
// by Redis TTLs, so Get can never observe an expired value.
type FastTier struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

// NewFastTier wraps a shared Redis client. The prefix namespaces every key;
// opTimeout bounds each round trip (a timed-out call degrades to the durable
// tier at the orchestrator, it never fails the request outright).
func NewFastTier(rdb redis.UniversalClient, prefix string, opTimeout time.Duration) *FastTier {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &FastTier{
		rdb:       rdb,
		prefix:    prefix,
		opTimeout: opTimeout,
	}
}

func (t *FastTier) key(key string) string {
	if t.prefix == "" {
		return key
	}
	return t.prefix + ":" + key
}

func (t *FastTier) Get(ctx context.Context, key string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	value, err := t.rdb.Get(ctx, t.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Entry{Value: value}, nil
}

func (t *FastTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	if err := t.rdb.Set(ctx, t.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *FastTier) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	if err := t.rdb.Del(ctx, t.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteByPrefix removes matching keys via cursor iteration. SCAN keeps the
// server responsive on large keyspaces, at the cost of missing keys written
// concurrently; such strays expire within their own TTL and pattern deletes
// here are never relied on for correctness-critical reads.
func (t *FastTier) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	var removed int64
	iter := t.rdb.Scan(ctx, 0, t.key(prefix)+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := t.rdb.Del(ctx, batch...).Result()
			removed += n
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(batch) > 0 {
		n, err := t.rdb.Del(ctx, batch...).Result()
		removed += n
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return removed, nil
}

var _ Tier = (*FastTier)(nil)
