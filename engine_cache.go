package authvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/cache"
	"github.com/authvault/authvault/internal"
)

// CacheGet reads through the two-tier cache: fast tier first, durable tier
// on miss or outage. ErrCacheMiss means the key is authoritatively absent.
func (e *Engine) CacheGet(ctx context.Context, key string) (string, error) {
	if e == nil || e.cache == nil {
		return "", ErrEngineNotReady
	}
	value, err := e.cache.Get(ctx, key)
	if err != nil {
		return "", mapCacheErr(err)
	}
	return value, nil
}

// CacheSet writes to both tiers. The durable tier is authoritative; a
// fast-tier failure is absorbed.
func (e *Engine) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return mapCacheErr(e.cache.Set(ctx, key, value, ttl))
}

// CacheInvalidate removes the key from both tiers.
func (e *Engine) CacheInvalidate(ctx context.Context, key string) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return mapCacheErr(e.cache.Invalidate(ctx, key))
}

// CacheInvalidatePattern removes every key under prefix from both tiers and
// returns the durable-tier count.
func (e *Engine) CacheInvalidatePattern(ctx context.Context, prefix string) (int64, error) {
	if e == nil || e.cache == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.cache.InvalidatePattern(ctx, prefix)
	return n, mapCacheErr(err)
}

// CacheCleanupExpired sweeps expired rows from the durable tier.
func (e *Engine) CacheCleanupExpired(ctx context.Context) (int64, error) {
	if e == nil || e.cache == nil {
		return 0, ErrEngineNotReady
	}
	return e.cache.CleanupExpired(ctx)
}

// PermissionsForUser returns the user's permission snapshot, cached with the
// configured staleness bound. Concurrent misses for the same user collapse
// to one directory load. A cache outage degrades to a direct directory read
// rather than failing the caller.
func (e *Engine) PermissionsForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	key := internal.PermissionsKey(userID.String())
	if value, err := e.cache.Get(ctx, key); err == nil {
		e.metrics.cacheHits.Add(1)
		var perms []string
		if err := json.Unmarshal([]byte(value), &perms); err == nil {
			return perms, nil
		}
		// Undecodable entry: drop it and rebuild below.
		_ = e.cache.Invalidate(ctx, key)
	}
	e.metrics.cacheMisses.Add(1)

	value, err, _ := e.permGroup.Do(key, func() (interface{}, error) {
		perms, err := e.users.PermissionNames(ctx, userID)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(perms); err == nil {
			if err := e.cache.Set(ctx, key, string(encoded), e.cfg.Cache.PermissionsTTL); err != nil {
				e.log.Warn("permission snapshot cache write failed", zap.Error(err))
			}
		}
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

// AssignRole grants the role to the user, invalidates the cached permission
// snapshot in both tiers, and emits a critical audit event.
func (e *Engine) AssignRole(ctx context.Context, userID uuid.UUID, role string, expiresAt *time.Time) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if err := e.users.AssignRole(ctx, userID, role, expiresAt); err != nil {
		return err
	}
	e.invalidatePermissions(ctx, userID)
	meta := map[string]string{"role": role}
	if expiresAt != nil {
		meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	e.emitAudit(ctx, AuditEvent{
		EventType:    EventRoleAssigned,
		Action:       "assign_role",
		ResourceType: "role",
		ResourceID:   role,
		TargetID:     &userID,
		Status:       audit.StatusSuccess,
		Metadata:     meta,
	})
	return nil
}

// RevokeRole removes the user's grant, invalidates the cached snapshot, and
// emits a critical audit event.
func (e *Engine) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if err := e.users.RevokeRole(ctx, userID, role); err != nil {
		return err
	}
	e.invalidatePermissions(ctx, userID)
	e.emitAudit(ctx, AuditEvent{
		EventType:    EventRoleRevoked,
		Action:       "revoke_role",
		ResourceType: "role",
		ResourceID:   role,
		TargetID:     &userID,
		Status:       audit.StatusSuccess,
		Metadata:     map[string]string{"role": role},
	})
	return nil
}

func (e *Engine) invalidatePermissions(ctx context.Context, userID uuid.UUID) {
	key := internal.PermissionsKey(userID.String())
	if err := e.cache.Invalidate(ctx, key); err != nil {
		// The stale snapshot lives at most PermissionsTTL; the staleness
		// bound holds even when the invalidation cannot reach the tiers.
		e.log.Warn("permission snapshot invalidation failed", zap.Error(err))
	}
}

func mapCacheErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrMiss):
		return ErrCacheMiss
	case errors.Is(err, cache.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return err
	}
}
