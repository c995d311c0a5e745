package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Orchestrator coordinates the fast and durable tiers. Reads try the fast
// tier first and fall back to the durable tier; writes treat the durable
// tier as authoritative and the fast tier as a best-effort optimization.
// Neither tier is assumed to always be present or reachable.
type Orchestrator struct {
	fast    Tier
	durable Tier
	sweeper Sweeper
	log     *zap.Logger

	repairTimeout time.Duration
	now           func() time.Time

	wg     sync.WaitGroup
	closed atomic.Bool
}

// OrchestratorConfig tunes orchestrator behavior.
type OrchestratorConfig struct {
	// RepairTimeout bounds the background fast-tier repopulation after a
	// durable-tier hit.
	RepairTimeout time.Duration
}

// NewOrchestrator combines the tiers. Either tier may be nil; at least one
// must be set. The durable tier's Sweeper is picked up when implemented.
func NewOrchestrator(fast, durable Tier, cfg OrchestratorConfig, log *zap.Logger) (*Orchestrator, error) {
	if fast == nil && durable == nil {
		return nil, errors.New("at least one cache tier required")
	}
	if cfg.RepairTimeout <= 0 {
		cfg.RepairTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		fast:          fast,
		durable:       durable,
		log:           log,
		repairTimeout: cfg.RepairTimeout,
		now:           time.Now,
	}
	if s, ok := durable.(Sweeper); ok {
		o.sweeper = s
	}
	return o, nil
}

// Get returns the value for key, trying the fast tier first and falling back
// to the durable tier on miss or unavailability. A durable hit triggers an
// asynchronous fast-tier repair that never blocks the caller. Expired
// entries are treated as misses and deleted opportunistically.
//
// ErrMiss means the key is authoritatively absent. ErrUnavailable is
// returned only when no reachable tier could answer.
func (o *Orchestrator) Get(ctx context.Context, key string) (string, error) {
	fastDown := false
	if o.fast != nil {
		entry, err := o.fast.Get(ctx, key)
		switch {
		case err == nil:
			if !entry.Expired(o.now()) {
				return entry.Value, nil
			}
			o.deleteLazily(o.fast, key)
		case errors.Is(err, ErrMiss):
		default:
			fastDown = true
			o.log.Warn("fast tier read failed, falling back to durable tier",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	if o.durable == nil {
		if fastDown {
			return "", fmt.Errorf("fast tier read for %q: %w", key, ErrUnavailable)
		}
		return "", ErrMiss
	}

	entry, err := o.durable.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("durable tier read for %q: %w", key, ErrUnavailable)
	}
	if entry.Expired(o.now()) {
		o.deleteLazily(o.durable, key)
		return "", ErrMiss
	}

	if o.fast != nil && !fastDown {
		o.repairFastTier(key, entry)
	}
	return entry.Value, nil
}

// Set writes the value to both tiers. The durable write must succeed for Set
// to succeed; a fast-tier failure is logged and absorbed, because durability
// is not allowed to depend on the transient tier.
func (o *Orchestrator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache set requires a positive ttl")
	}

	if o.durable != nil {
		if err := o.durable.Set(ctx, key, value, ttl); err != nil {
			return fmt.Errorf("durable tier write for %q: %w", key, err)
		}
	}

	if o.fast != nil {
		if err := o.fast.Set(ctx, key, value, ttl); err != nil {
			if o.durable == nil {
				return fmt.Errorf("fast tier write for %q: %w", key, err)
			}
			o.log.Warn("fast tier write failed, durable tier is authoritative",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return nil
}

// Invalidate removes the key from both tiers. The durable delete is
// authoritative; a fast-tier failure is absorbed (the stale entry expires
// within its TTL).
func (o *Orchestrator) Invalidate(ctx context.Context, key string) error {
	var durableErr error
	if o.durable != nil {
		durableErr = o.durable.Delete(ctx, key)
	}
	if o.fast != nil {
		if err := o.fast.Delete(ctx, key); err != nil {
			o.log.Warn("fast tier invalidation failed, entry expires by TTL",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	if durableErr != nil {
		return fmt.Errorf("durable tier delete for %q: %w", key, durableErr)
	}
	return nil
}

// InvalidatePattern removes every key with the given prefix from both tiers
// and returns the durable-tier count (the authoritative one).
func (o *Orchestrator) InvalidatePattern(ctx context.Context, prefix string) (int64, error) {
	var (
		removed    int64
		durableErr error
	)
	if o.durable != nil {
		removed, durableErr = o.durable.DeleteByPrefix(ctx, prefix)
	}
	if o.fast != nil {
		if _, err := o.fast.DeleteByPrefix(ctx, prefix); err != nil {
			o.log.Warn("fast tier pattern invalidation failed, entries expire by TTL",
				zap.String("prefix", prefix),
				zap.Error(err))
		}
	}
	if durableErr != nil {
		return removed, fmt.Errorf("durable tier pattern delete for %q: %w", prefix, durableErr)
	}
	return removed, nil
}

// CleanupExpired sweeps expired rows from the durable tier and returns the
// count removed. Safe to run concurrently with normal traffic.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int64, error) {
	if o.sweeper == nil {
		return 0, nil
	}
	return o.sweeper.DeleteExpired(ctx)
}

// Close waits for in-flight fast-tier repairs to finish.
func (o *Orchestrator) Close() {
	if o == nil || !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.wg.Wait()
}

// repairFastTier repopulates the fast tier after a durable hit, detached
// from the caller's request.
func (o *Orchestrator) repairFastTier(key string, entry Entry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 || o.closed.Load() {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.repairTimeout)
		defer cancel()
		if err := o.fast.Set(ctx, key, entry.Value, ttl); err != nil {
			o.log.Warn("fast tier repair failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}

// deleteLazily drops an expired entry without delaying the read path.
func (o *Orchestrator) deleteLazily(tier Tier, key string) {
	if o.closed.Load() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.repairTimeout)
		defer cancel()
		if err := tier.Delete(ctx, key); err != nil {
			o.log.Warn("lazy expiry delete failed", zap.String("key", key), zap.Error(err))
		}
	}()
}
