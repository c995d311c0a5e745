package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no token row exists for the presented hash.
var ErrNotFound = errors.New("token not found")

// ErrRevoked means the token is terminally revoked or rotated out.
var ErrRevoked = errors.New("token revoked")

// ErrExpired means the token passed its expiry without being revoked.
var ErrExpired = errors.New("token expired")

// ErrStoreUnavailable means the backing store could not be reached within
// the operation deadline. Validation must fail on this error, never degrade.
var ErrStoreUnavailable = errors.New("token store unavailable")

// Store is the durable system of record for refresh tokens.
//
// Rotate is the concurrency-critical operation: it must atomically revoke the
// current row and insert the successor in one transaction, using the
// conditional update's affected-row count as the compare-and-set signal.
// Under N concurrent rotations of the same hash exactly one caller wins; the
// rest observe ErrRevoked.
type Store interface {
	// Insert persists a freshly issued token row.
	Insert(ctx context.Context, rec *Record) error

	// FindByHash returns the row for a token hash regardless of state.
	FindByHash(ctx context.Context, hash string) (*Record, error)

	// Rotate atomically revokes the row matching currentHash and inserts
	// successor, recording the supersession. It returns the revoked row.
	// Fails with ErrNotFound, ErrRevoked (including a lost race), or
	// ErrExpired; on ErrExpired the row is left unrevoked.
	Rotate(ctx context.Context, currentHash string, successor *Record) (*Record, error)

	// Revoke marks the row for hash revoked. Revoking a missing or already
	// revoked token is a no-op; revoked reports whether a row transitioned.
	Revoke(ctx context.Context, hash string) (revoked bool, err error)

	// RevokeAll revokes every currently valid token for the user and returns
	// the number of rows affected. Only rows visible at statement start are
	// touched; a token issued concurrently survives.
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)

	// DeleteExpired removes rows that are expired or revoked and whose
	// terminal timestamp is older than the retention window.
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}
