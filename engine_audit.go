package authvault

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/authvault/audit"
)

// Event types emitted by the Engine. Types under the role.* family, plus
// token.revoked_all and user.password_changed, are security-critical: the
// dispatcher retries their delivery once before counting them lost.
const (
	EventLoginSuccess      = "user.login"
	EventLoginFailure      = "user.login_failed"
	EventPasswordChanged   = "user.password_changed"
	EventTokenIssued       = "token.issued"
	EventTokenRotated      = "token.rotated"
	EventTokenReuse        = "token.reuse_detected"
	EventTokenRevoked      = "token.revoked"
	EventTokenRevokedAll   = "token.revoked_all"
	EventRoleAssigned      = "role.assigned"
	EventRoleRevoked       = "role.revoked"
	EventRateLimitDegraded = "ratelimit.degraded"
)

// emitAudit stamps identity, timing, and caller context, then queues the
// event. Queuing never fails the calling operation.
func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = userAgentFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

// RecordAuditEvent lets embedders put their own events on the same pipeline,
// with the same delivery guarantees as the Engine's events.
func (e *Engine) RecordAuditEvent(ctx context.Context, event AuditEvent) {
	if e == nil {
		return
	}
	if event.Status == "" {
		event.Status = audit.StatusSuccess
	}
	e.emitAudit(ctx, event)
}
