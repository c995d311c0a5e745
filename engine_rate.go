package authvault

import (
	"context"
	"errors"
	"time"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/internal"
	"github.com/authvault/authvault/rate"
)

const (
	actionLogin  = "login"
	actionRotate = "rotate"
)

// allow runs one rate-limit check keyed by (action, identity, caller IP).
// Without a Redis-backed limiter there is nothing to count against and the
// attempt is admitted. A backend outage follows the configured fail-open
// policy, and every degraded admission is audited.
func (e *Engine) allow(ctx context.Context, action, identity string, limit int, window time.Duration) bool {
	if e.limiter == nil || limit <= 0 {
		return true
	}

	key := internal.RateKey(action, identity, clientIPFromContext(ctx))
	ok, err := e.limiter.Allow(ctx, key, limit, window)
	if err != nil && errors.Is(err, rate.ErrUnavailable) {
		e.metrics.rateFailOpen.Add(1)
		status := audit.StatusFailure
		if ok {
			status = audit.StatusPartial
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: EventRateLimitDegraded,
			Action:    action,
			Status:    status,
			Metadata:  map[string]string{"admitted": boolString(ok), "key": key},
		})
	}
	return ok
}

// RateLimitAllow exposes the limiter for embedder-defined actions, applying
// the same fail-open audit policy as the built-in flows.
func (e *Engine) RateLimitAllow(ctx context.Context, action, identity string, limit int, window time.Duration) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	ok := e.allow(ctx, action, identity, limit, window)
	if !ok {
		e.metrics.rateDenied.Add(1)
		return false, ErrRateLimited
	}
	return true, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
