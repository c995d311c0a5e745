package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authvault/authvault/cache"
)

// DurableTier is the relational cache tier over solid_cache_entries. Unlike
// the fast tier it has no native TTL: expiry is an expires_at column checked
// on read, with lazy deletion and a periodic sweep.
type DurableTier struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

func NewDurableTier(pool *pgxpool.Pool, opTimeout time.Duration) *DurableTier {
	return &DurableTier{
		pool:      pool,
		opTimeout: opTimeout,
	}
}

// Get returns the live entry for key. An expired row is a miss and is
// deleted in the same round trip so it cannot be served by a later reader
// racing the sweep.
func (t *DurableTier) Get(ctx context.Context, key string) (cache.Entry, error) {
	ctx, cancel := opCtx(ctx, t.opTimeout)
	defer cancel()

	query := `
		SELECT value, expires_at
		FROM solid_cache_entries
		WHERE key = $1 AND ` + condEntryLive
	var entry cache.Entry
	err := t.pool.QueryRow(ctx, query, key).Scan(&entry.Value, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			t.deleteExpiredRow(ctx, key)
			return cache.Entry{}, cache.ErrMiss
		}
		return cache.Entry{}, fmt.Errorf("durable get: %w: %v", cache.ErrUnavailable, err)
	}
	return entry, nil
}

// deleteExpiredRow lazily removes a row that may have been filtered by the
// liveness predicate. Best effort; the sweep catches whatever it misses.
func (t *DurableTier) deleteExpiredRow(ctx context.Context, key string) {
	query := `DELETE FROM solid_cache_entries WHERE key = $1 AND ` + condEntryExpired
	_, _ = t.pool.Exec(ctx, query, key)
}

// Set upserts the entry with an absolute expiry computed from ttl.
func (t *DurableTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx, t.opTimeout)
	defer cancel()

	query := `
		INSERT INTO solid_cache_entries (key, value, created_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`
	interval := fmt.Sprintf("%f seconds", ttl.Seconds())
	if _, err := t.pool.Exec(ctx, query, key, value, interval); err != nil {
		return fmt.Errorf("durable set: %w: %v", cache.ErrUnavailable, err)
	}
	return nil
}

func (t *DurableTier) Delete(ctx context.Context, key string) error {
	ctx, cancel := opCtx(ctx, t.opTimeout)
	defer cancel()

	if _, err := t.pool.Exec(ctx, `DELETE FROM solid_cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("durable delete: %w: %v", cache.ErrUnavailable, err)
	}
	return nil
}

// DeleteByPrefix removes every entry under prefix and returns the count. The
// prefix is anchored with LIKE; pattern metacharacters in the prefix are
// escaped so caller-supplied key fragments cannot widen the match.
func (t *DurableTier) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := opCtx(ctx, t.opTimeout)
	defer cancel()

	pattern := likeEscape(prefix) + "%"
	tag, err := t.pool.Exec(ctx, `DELETE FROM solid_cache_entries WHERE key LIKE $1`, pattern)
	if err != nil {
		return 0, fmt.Errorf("durable delete by prefix: %w: %v", cache.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired is the periodic sweep over rows past their expiry.
func (t *DurableTier) DeleteExpired(ctx context.Context) (int64, error) {
	ctx, cancel := opCtx(ctx, t.opTimeout)
	defer cancel()

	tag, err := t.pool.Exec(ctx, `DELETE FROM solid_cache_entries WHERE `+condEntryExpired)
	if err != nil {
		return 0, fmt.Errorf("durable sweep: %w: %v", cache.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ cache.Tier    = (*DurableTier)(nil)
	_ cache.Sweeper = (*DurableTier)(nil)
)
