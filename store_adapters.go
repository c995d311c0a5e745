package authvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authvault/authvault/store"
)

// storeDirectory adapts store.UserStore to the UserDirectory interface,
// mapping store sentinels onto the package's error surface.
type storeDirectory struct {
	users *store.UserStore
}

func (d *storeDirectory) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	u, err := d.users.FindByIdentifier(ctx, identifier)
	return mapUser(u, err)
}

func (d *storeDirectory) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := d.users.FindByID(ctx, id)
	return mapUser(u, err)
}

func mapUser(u *store.User, err error) (*User, error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &User{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
	}, nil
}

func (d *storeDirectory) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	if err := d.users.UpdatePasswordHash(ctx, id, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (d *storeDirectory) AssignRole(ctx context.Context, userID uuid.UUID, role string, expiresAt *time.Time) error {
	return d.users.AssignRole(ctx, userID, role, expiresAt)
}

func (d *storeDirectory) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	return d.users.RevokeRole(ctx, userID, role)
}

func (d *storeDirectory) PermissionNames(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return d.users.PermissionNames(ctx, userID)
}

// storeLoginRecorder adapts store.LoginHistoryStore to LoginRecorder.
type storeLoginRecorder struct {
	history *store.LoginHistoryStore
}

func (r *storeLoginRecorder) RecordLogin(ctx context.Context, attempt LoginAttempt) error {
	return r.history.Record(ctx, store.LoginAttempt{
		UserID:     attempt.UserID,
		Identifier: attempt.Identifier,
		Success:    attempt.Success,
		IP:         attempt.IP,
		UserAgent:  attempt.UserAgent,
	})
}
