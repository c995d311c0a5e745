package authvault

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/token"
)

// DeviceInfo re-exports the token package's device metadata.
type DeviceInfo = token.DeviceInfo

// AuditEvent re-exports the audit package's event model.
type AuditEvent = audit.Event

// User is the identity view the Engine needs; directories map their own
// models onto it.
type User struct {
	ID           uuid.UUID
	Email        string
	Username     string
	PasswordHash string
}

// Session is the result of a successful login or rotation. RefreshToken is
// the raw secret, returned exactly once and never stored; AccessToken is
// empty when no access-token issuer is configured.
type Session struct {
	UserID       uuid.UUID
	TokenID      uuid.UUID
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
}

// LoginAttempt is one append-only login-history row. UserID is nil when the
// identifier did not resolve.
type LoginAttempt struct {
	UserID     *uuid.UUID
	Identifier string
	Success    bool
	IP         string
	UserAgent  string
}

// UserDirectory resolves users and their role grants. The default
// implementation is backed by the relational store; tests inject fakes.
type UserDirectory interface {
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	AssignRole(ctx context.Context, userID uuid.UUID, role string, expiresAt *time.Time) error
	RevokeRole(ctx context.Context, userID uuid.UUID, role string) error
	PermissionNames(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// LoginRecorder appends login attempts. Recording failures must not fail the
// login; the Engine logs and continues.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, attempt LoginAttempt) error
}

// PasswordHasher hashes and verifies credentials. The password subpackage
// provides the Argon2id default.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

// AccessTokenIssuer mints short-lived signed access tokens from an
// established refresh session. The jwt subpackage provides the default.
// Signing-key management stays outside the Engine.
type AccessTokenIssuer interface {
	CreateAccess(userID, sessionID string, permissions []string) (string, error)
}
