// Package rate implements fixed-window request counters over the fast cache
// tier. The increment-and-check runs as a single atomic Redis script so that
// concurrent callers can never admit more than the limit within a window.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable means the counter backend could not be reached.
var ErrUnavailable = errors.New("rate limit backend unavailable")

// allowScript increments the window counter and stamps the window TTL on the
// first hit, in one server-side step.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Config holds limiter policy.
type Config struct {
	// FailOpen admits requests when the backend is unreachable. Rate
	// limiting is a defense-in-depth control, not the authorization
	// boundary, so availability wins over strictness here; every fail-open
	// admission is logged and surfaced to the caller via the returned error.
	FailOpen bool
	// OpTimeout bounds each backend round trip.
	OpTimeout time.Duration
}

// Limiter admits or rejects repeated attempts keyed by
// (identity, IP, action) counters with window-length TTLs.
type Limiter struct {
	rdb redis.UniversalClient
	cfg Config
	log *zap.Logger
}

// New creates a Limiter backed by the shared Redis client.
func New(rdb redis.UniversalClient, cfg Config, log *zap.Logger) *Limiter {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		rdb: rdb,
		cfg: cfg,
		log: log,
	}
}

// Allow records one attempt for key and reports whether it is within limit
// for the window. When the backend is unreachable the configured fail-open
// policy decides the admission and the error carries ErrUnavailable so the
// caller can audit the degraded decision.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	count, err := allowScript.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		l.log.Warn("rate limit backend unreachable",
			zap.String("key", key),
			zap.Bool("fail_open", l.cfg.FailOpen),
			zap.Error(err))
		return l.cfg.FailOpen, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return count <= int64(limit), nil
}

// Reset clears the counter for key, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
