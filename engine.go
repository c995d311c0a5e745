package authvault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/cache"
	"github.com/authvault/authvault/internal"
	"github.com/authvault/authvault/rate"
	"github.com/authvault/authvault/token"
	"golang.org/x/sync/singleflight"
)

// Engine is the authentication core. Build one through the Builder; a nil or
// zero Engine is not usable. All methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	tokens  *token.Manager
	cache   *cache.Orchestrator
	limiter *rate.Limiter
	audit   *audit.Dispatcher
	users   UserDirectory
	logins  LoginRecorder
	hasher  PasswordHasher
	issuer  AccessTokenIssuer
	metrics *Metrics

	permGroup singleflight.Group
}

// Close drains the audit queue and waits for background cache repairs. The
// Postgres pool and Redis client are caller-owned and stay open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.cache.Close()
	e.audit.Close()
}

// Login authenticates an identifier/password pair and issues a fresh
// session. Unknown identifiers and wrong passwords both come back as
// ErrInvalidCredentials; the audit trail and login history record which.
func (e *Engine) Login(ctx context.Context, identifier, pass string) (*Session, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	allowed := e.allow(ctx, actionLogin, identifier, e.cfg.Rate.LoginLimit, e.cfg.Rate.LoginWindow)
	if !allowed {
		e.metrics.rateDenied.Add(1)
		e.emitAudit(ctx, AuditEvent{
			EventType: EventLoginFailure,
			Action:    "login",
			Status:    audit.StatusFailure,
			Metadata:  map[string]string{"reason": "rate_limited", "identifier": identifier},
		})
		return nil, ErrRateLimited
	}

	user, err := e.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.failLogin(ctx, nil, identifier, "unknown_identifier")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		e.failLogin(ctx, &user.ID, identifier, "wrong_password")
		return nil, ErrInvalidCredentials
	}

	session, err := e.issueSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if e.limiter != nil {
		_ = e.limiter.Reset(ctx, internal.RateKey(actionLogin, identifier, ip))
	}
	e.recordLogin(ctx, LoginAttempt{UserID: &user.ID, Identifier: identifier, Success: true})
	e.metrics.loginSuccess.Add(1)
	e.emitAudit(ctx, AuditEvent{
		EventType:    EventLoginSuccess,
		Action:       "login",
		ResourceType: "refresh_token",
		ResourceID:   session.TokenID.String(),
		ActorID:      &user.ID,
		Status:       audit.StatusSuccess,
	})
	return session, nil
}

func (e *Engine) failLogin(ctx context.Context, userID *uuid.UUID, identifier, reason string) {
	e.recordLogin(ctx, LoginAttempt{UserID: userID, Identifier: identifier, Success: false})
	e.metrics.loginFailure.Add(1)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginFailure,
		Action:    "login",
		ActorID:   userID,
		Status:    audit.StatusFailure,
		Metadata:  map[string]string{"reason": reason, "identifier": identifier},
	})
}

func (e *Engine) recordLogin(ctx context.Context, attempt LoginAttempt) {
	if e.logins == nil {
		return
	}
	attempt.IP = clientIPFromContext(ctx)
	attempt.UserAgent = userAgentFromContext(ctx)
	if err := e.logins.RecordLogin(ctx, attempt); err != nil {
		e.log.Warn("login history write failed", zap.Error(err))
	}
}

// Issue mints a refresh token for the user outside a password flow, e.g.
// after an externally verified signup.
func (e *Engine) Issue(ctx context.Context, userID uuid.UUID, device DeviceInfo) (*Session, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	secret, rec, err := e.tokens.Issue(ctx, userID, device)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	e.metrics.tokensIssued.Add(1)
	e.emitAudit(ctx, AuditEvent{
		EventType:    EventTokenIssued,
		Action:       "issue",
		ResourceType: "refresh_token",
		ResourceID:   rec.ID.String(),
		ActorID:      &userID,
		Status:       audit.StatusSuccess,
	})
	return e.buildSession(ctx, secret, rec)
}

// Validate checks a presented refresh token without rotating it. The answer
// always comes from the relational store; a store outage surfaces as
// ErrBackendUnavailable, never as "valid".
func (e *Engine) Validate(ctx context.Context, presented string) (*token.Record, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	rec, err := e.tokens.Validate(ctx, presented)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	return rec, nil
}

// Rotate exchanges a valid refresh token for a successor in a single store
// transaction. Exactly one of N concurrent rotations of the same token
// succeeds; the losers observe ErrTokenRevoked, and a revoked-token
// presentation is audited as possible reuse.
func (e *Engine) Rotate(ctx context.Context, presented string) (*Session, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	// Key rotation attempts by token hash so a stolen token hammering the
	// endpoint is throttled independently of the legitimate holder's IP.
	hash := internal.HashTokenSecret(presented)
	if !e.allow(ctx, actionRotate, hash[:16], e.cfg.Rate.RotateLimit, e.cfg.Rate.RotateWindow) {
		e.metrics.rateDenied.Add(1)
		return nil, ErrRateLimited
	}

	secret, successor, err := e.tokens.ValidateAndRotate(ctx, presented)
	if err != nil {
		e.metrics.rotateFailure.Add(1)
		if errors.Is(err, token.ErrRevoked) {
			e.metrics.reuseDetected.Add(1)
			e.emitAudit(ctx, AuditEvent{
				EventType: EventTokenReuse,
				Action:    "rotate",
				Status:    audit.StatusFailure,
				Metadata:  map[string]string{"reason": "revoked_token_presented"},
			})
		}
		return nil, mapTokenErr(err)
	}

	e.metrics.rotateSuccess.Add(1)
	e.emitAudit(ctx, AuditEvent{
		EventType:    EventTokenRotated,
		Action:       "rotate",
		ResourceType: "refresh_token",
		ResourceID:   successor.ID.String(),
		ActorID:      &successor.UserID,
		Status:       audit.StatusSuccess,
	})
	return e.buildSession(ctx, secret, successor)
}

// Revoke invalidates the presented refresh token. Revoking an unknown or
// already revoked token is not an error; revoked reports whether this call
// performed the transition.
func (e *Engine) Revoke(ctx context.Context, presented string) (bool, error) {
	if e == nil || e.tokens == nil {
		return false, ErrEngineNotReady
	}
	revoked, err := e.tokens.RevokeBySecret(ctx, presented)
	if err != nil {
		return false, mapTokenErr(err)
	}
	if revoked {
		e.metrics.tokensRevoked.Add(1)
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: EventTokenRevoked,
		Action:    "revoke",
		Status:    audit.StatusSuccess,
		Metadata:  map[string]string{"transitioned": strconv.FormatBool(revoked)},
	})
	return revoked, nil
}

// Logout is Revoke under its user-facing name.
func (e *Engine) Logout(ctx context.Context, presented string) error {
	_, err := e.Revoke(ctx, presented)
	return err
}

// RevokeAll invalidates every currently valid token for the user and returns
// the count. A token issued concurrently with the call survives; callers
// needing a hard cut must stop issuance first.
func (e *Engine) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	if e == nil || e.tokens == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, mapTokenErr(err)
	}
	e.metrics.revokeAllCalls.Add(1)
	e.metrics.tokensRevoked.Add(uint64(n))
	e.emitAudit(ctx, AuditEvent{
		EventType: EventTokenRevokedAll,
		Action:    "revoke_all",
		ActorID:   &userID,
		TargetID:  &userID,
		Status:    audit.StatusSuccess,
		Metadata:  map[string]string{"revoked": strconv.FormatInt(n, 10)},
	})
	return n, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// bulk-revokes every active session.
func (e *Engine) ChangePassword(ctx context.Context, userID uuid.UUID, oldPass, newPass string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := e.hasher.Verify(oldPass, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		e.emitAudit(ctx, AuditEvent{
			EventType: EventPasswordChanged,
			Action:    "change_password",
			ActorID:   &userID,
			Status:    audit.StatusFailure,
			Metadata:  map[string]string{"reason": "wrong_password"},
		})
		return ErrInvalidCredentials
	}
	if oldPass == newPass {
		return ErrPasswordReuse
	}

	hash, err := e.hasher.Hash(newPass)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}

	revoked, err := e.tokens.RevokeAll(ctx, userID)
	status := audit.StatusSuccess
	if err != nil {
		// The password changed but open sessions survive. Partial is the
		// honest answer and the caller must retry the revocation.
		status = audit.StatusPartial
		e.log.Error("post-change session revocation failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	e.metrics.passwordChanges.Add(1)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventPasswordChanged,
		Action:    "change_password",
		ActorID:   &userID,
		TargetID:  &userID,
		Status:    status,
		Metadata:  map[string]string{"sessions_revoked": strconv.FormatInt(revoked, 10)},
	})
	if err != nil {
		return mapTokenErr(err)
	}
	return nil
}

// CleanupExpiredTokens removes terminal token rows past the retention window
// and returns the count removed. Intended for a periodic job.
func (e *Engine) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	if e == nil || e.tokens == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.tokens.CleanupExpired(ctx)
	if err != nil {
		return 0, mapTokenErr(err)
	}
	return n, nil
}

func (e *Engine) issueSession(ctx context.Context, userID uuid.UUID) (*Session, error) {
	device := DeviceInfo{
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}
	secret, rec, err := e.tokens.Issue(ctx, userID, device)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	e.metrics.tokensIssued.Add(1)
	return e.buildSession(ctx, secret, rec)
}

// buildSession attaches the access token when an issuer is configured. An
// issuer failure fails the whole operation: handing out a refresh token the
// client cannot use yet only produces confusing retries.
func (e *Engine) buildSession(ctx context.Context, secret string, rec *token.Record) (*Session, error) {
	session := &Session{
		UserID:       rec.UserID,
		TokenID:      rec.ID,
		RefreshToken: secret,
		ExpiresAt:    rec.ExpiresAt,
	}
	if e.issuer == nil {
		return session, nil
	}

	perms, err := e.PermissionsForUser(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	access, err := e.issuer.CreateAccess(rec.UserID.String(), rec.ID.String(), perms)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	session.AccessToken = access
	return session, nil
}

// mapTokenErr translates token-package sentinels onto the public error
// surface.
func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrNotFound):
		return ErrTokenNotFound
	case errors.Is(err, token.ErrRevoked):
		return ErrTokenRevoked
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrStoreUnavailable):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return err
	}
}
