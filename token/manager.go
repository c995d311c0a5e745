package token

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/authvault/internal"
)

// Config holds token lifecycle tuning parameters.
type Config struct {
	// TTL is the lifetime of an issued refresh token.
	TTL time.Duration
	// CleanupRetention keeps terminal rows around for audit correlation
	// before DeleteExpired may remove them.
	CleanupRetention time.Duration
}

// Manager issues, validates, rotates, and revokes refresh tokens against a
// Store. It is safe for concurrent use.
type Manager struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Issue generates a new refresh token for the user, persists only its hash
// plus device metadata, and returns the raw secret exactly once.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, device DeviceInfo) (string, *Record, error) {
	secret, err := internal.NewTokenSecret()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	rec := &Record{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: internal.HashTokenSecret(secret),
		Device:    device,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	if err := m.store.Insert(ctx, rec); err != nil {
		return "", nil, err
	}

	return secret, rec, nil
}

// Validate checks the presented secret against the store without rotating.
// It fails with ErrNotFound, ErrRevoked, or ErrExpired.
func (m *Manager) Validate(ctx context.Context, presented string) (*Record, error) {
	rec, err := m.store.FindByHash(ctx, internal.HashTokenSecret(presented))
	if err != nil {
		return nil, err
	}
	if rec.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if !rec.ExpiresAt.After(m.now()) {
		return nil, ErrExpired
	}
	return rec, nil
}

// ValidateAndRotate validates the presented secret and, in a single store
// transaction, revokes the current token and issues a successor bound to the
// same user and device. Exactly one of N concurrent rotations of the same
// secret succeeds; the others observe ErrRevoked.
func (m *Manager) ValidateAndRotate(ctx context.Context, presented string) (string, *Record, error) {
	secret, err := internal.NewTokenSecret()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	successor := &Record{
		ID:        uuid.New(),
		TokenHash: internal.HashTokenSecret(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
		// UserID and Device are copied from the revoked row by the store,
		// inside the rotation transaction.
	}

	if _, err := m.store.Rotate(ctx, internal.HashTokenSecret(presented), successor); err != nil {
		return "", nil, err
	}

	return secret, successor, nil
}

// Revoke marks the token with the given hash revoked. Revoking a missing or
// already revoked token is not an error; revoked reports whether this call
// performed the transition.
func (m *Manager) Revoke(ctx context.Context, hash string) (bool, error) {
	return m.store.Revoke(ctx, hash)
}

// RevokeBySecret revokes the token identified by its raw secret.
func (m *Manager) RevokeBySecret(ctx context.Context, secret string) (bool, error) {
	return m.store.Revoke(ctx, internal.HashTokenSecret(secret))
}

// RevokeAll bulk-revokes every currently valid token for the user. The
// revocation only affects rows that existed at statement start; a token
// issued concurrently is not retroactively revoked.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.store.RevokeAll(ctx, userID)
}

// CleanupExpired removes long-terminal rows past the retention window and
// returns the count removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.cfg.CleanupRetention)
}
