// Package store is the relational access layer: pgx-backed implementations
// of the token store, the durable cache tier, user/role/permission lookups,
// login history, and the audit-log sink, plus pool lifecycle and schema
// migrations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrUnavailable wraps transport-level failures talking to Postgres. Token
// validation treats it as a hard failure, never as "valid".
var ErrUnavailable = errors.New("relational store unavailable")

// ErrNotFound means the requested row does not exist (or is soft-deleted).
var ErrNotFound = errors.New("row not found")

// Centralized active-row predicates. Every query that must exclude
// soft-deleted, expired, or revoked rows composes these fragments instead of
// restating the condition, so a reader can audit the filter in one place.
const (
	condUserActive   = "u.deleted_at IS NULL AND u.is_active"
	condTokenValid   = "revoked_at IS NULL AND expires_at > now()"
	condGrantActive  = "(ur.expires_at IS NULL OR ur.expires_at > now())"
	condEntryLive    = "expires_at > now()"
	condEntryExpired = "expires_at <= now()"
)

// Config holds connection-pool settings. The pool is a process-wide shared
// resource: open it once at startup, close it once at shutdown, and hand the
// pool to components by reference. Tests needing isolation open their own.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
	// OpTimeout bounds every statement issued through this package.
	OpTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
}

// Open connects a pgx pool and verifies connectivity.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*pgxpool.Pool, error) {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info("relational store connected", zap.Int32("max_conns", cfg.MaxConns))
	return pool, nil
}

// opCtx applies the per-statement deadline.
func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
