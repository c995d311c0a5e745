package authvault

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is the generic rejection. Every token- or credential-
// rejection sentinel wraps it, so transports can match errors.Is(err,
// ErrUnauthorized) and answer uniformly without leaking which check failed,
// while the audit trail keeps the distinct cause.
var ErrUnauthorized = errors.New("unauthorized")

var (
	// ErrTokenNotFound means the presented token does not exist.
	ErrTokenNotFound = fmt.Errorf("token not found: %w", ErrUnauthorized)
	// ErrTokenRevoked means the presented token was revoked or already
	// rotated. Presenting it again is a reuse signal.
	ErrTokenRevoked = fmt.Errorf("token revoked: %w", ErrUnauthorized)
	// ErrTokenExpired means the presented token passed its expiry.
	ErrTokenExpired = fmt.Errorf("token expired: %w", ErrUnauthorized)
	// ErrInvalidCredentials covers unknown identifiers and wrong passwords
	// alike.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", ErrUnauthorized)
)

var (
	// ErrRateLimited means the attempt was denied by a rate-limit rule.
	ErrRateLimited = errors.New("rate limited")
	// ErrUserNotFound means the user does not exist or is soft-deleted.
	ErrUserNotFound = errors.New("user not found")
	// ErrPasswordReuse means the new password equals the current one.
	ErrPasswordReuse = errors.New("new password must differ from current password")
	// ErrCacheMiss means the key is authoritatively absent from the cache.
	ErrCacheMiss = errors.New("cache miss")
	// ErrBackendUnavailable means a required backend could not be reached.
	// Token validation surfaces it instead of ever answering "valid" from a
	// degraded path.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady means the Engine was not built or is closed.
	ErrEngineNotReady = errors.New("engine not initialized")
)
