// Package cache implements the two-tier lookup cache: a low-latency fast
// tier (Redis) backed by a durable relational fallback tier, coordinated by
// an Orchestrator that tolerates failure of either tier.
//
// The cache serves derived, staleness-tolerant data such as permission
// snapshots. Token validity is never served from here; it always goes to the
// relational store directly.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss signals that a key is absent or expired in the consulted tier(s).
var ErrMiss = errors.New("cache miss")

// ErrUnavailable signals that a tier could not be reached within its
// operation deadline.
var ErrUnavailable = errors.New("cache tier unavailable")

// Entry is a cached value with its absolute expiry. A zero ExpiresAt means
// the tier enforces expiry natively and does not report it.
type Entry struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the entry's expiry has passed. Entries without a
// reported expiry are never considered expired here; their tier owns it.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Tier is one cache backend. A tier must never return an expired value:
// Get treats an expired row as a miss and may delete it lazily.
type Tier interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix removes every key with the given prefix and returns
	// the count removed, where the backend can report it.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
}

// Sweeper is implemented by tiers with explicit expiry columns that need a
// periodic cleanup pass in addition to lazy expiry.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}
