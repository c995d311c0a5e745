package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is an identity row. Soft-deleted users are never returned by this
// package; every query composes condUserActive.
type User struct {
	ID           uuid.UUID
	Email        string
	Username     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// ErrRoleNotFound means the named role does not exist.
var ErrRoleNotFound = errors.New("role not found")

// UserStore reads and mutates users and their role grants.
type UserStore struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

func NewUserStore(pool *pgxpool.Pool, opTimeout time.Duration) *UserStore {
	return &UserStore{
		pool:      pool,
		opTimeout: opTimeout,
	}
}

// FindByIdentifier resolves an active user by email or username.
func (s *UserStore) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		SELECT u.id, u.email, u.username, u.password_hash, u.is_active, u.created_at, u.deleted_at
		FROM users u
		WHERE (u.email = $1 OR u.username = $1) AND ` + condUserActive
	return s.scanUser(s.pool.QueryRow(ctx, query, identifier))
}

// FindByID resolves an active user by id.
func (s *UserStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		SELECT u.id, u.email, u.username, u.password_hash, u.is_active, u.created_at, u.deleted_at
		FROM users u
		WHERE u.id = $1 AND ` + condUserActive
	return s.scanUser(s.pool.QueryRow(ctx, query, id))
}

func (s *UserStore) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w: %v", ErrUnavailable, err)
	}
	return &u, nil
}

// UpdatePasswordHash replaces the stored hash for an active user.
func (s *UserStore) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		UPDATE users u
		SET password_hash = $2, updated_at = now()
		WHERE u.id = $1 AND ` + condUserActive
	tag, err := s.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return fmt.Errorf("update password hash: %w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a user removed. Rows are never physically deleted;
// condUserActive excludes them everywhere afterwards.
func (s *UserStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		UPDATE users u
		SET deleted_at = now(), is_active = FALSE
		WHERE u.id = $1 AND u.deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("soft delete user: %w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PermissionNames returns the distinct permission names granted to the user
// through non-expired role grants. An expired grant is inactive for every
// reader even before it is purged.
func (s *UserStore) PermissionNames(ctx context.Context, userID uuid.UUID) ([]string, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		SELECT DISTINCT p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		JOIN users u ON u.id = ur.user_id
		WHERE ur.user_id = $1 AND ` + condGrantActive + ` AND ` + condUserActive + `
		ORDER BY p.name
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load permissions: %w: %v", ErrUnavailable, err)
	}
	return names, nil
}

// AssignRole grants the named role to the user, optionally expiring. An
// existing grant is refreshed rather than duplicated.
func (s *UserStore) AssignRole(ctx context.Context, userID uuid.UUID, role string, expiresAt *time.Time) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		INSERT INTO user_roles (user_id, role_id, created_at, expires_at)
		SELECT $1, r.id, now(), $3
		FROM roles r
		WHERE r.name = $2
		ON CONFLICT (user_id, role_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	tag, err := s.pool.Exec(ctx, query, userID, role, expiresAt)
	if err != nil {
		return fmt.Errorf("assign role: %w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// RevokeRole removes the user's grant of the named role.
func (s *UserStore) RevokeRole(ctx context.Context, userID uuid.UUID, role string) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		DELETE FROM user_roles ur
		USING roles r
		WHERE ur.role_id = r.id AND ur.user_id = $1 AND r.name = $2
	`
	if _, err := s.pool.Exec(ctx, query, userID, role); err != nil {
		return fmt.Errorf("revoke role: %w: %v", ErrUnavailable, err)
	}
	return nil
}
