package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authvault/authvault/token"
)

// TokenStore is the Postgres implementation of token.Store. Rotation runs as
// a single transaction whose conditional UPDATE's affected-row count is the
// compare-and-set signal: zero rows means "already rotated elsewhere".
type TokenStore struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewTokenStore wraps the shared pool.
func NewTokenStore(pool *pgxpool.Pool, opTimeout time.Duration) *TokenStore {
	return &TokenStore{
		pool:      pool,
		opTimeout: opTimeout,
	}
}

func (s *TokenStore) Insert(ctx context.Context, rec *token.Record) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	device, err := json.Marshal(rec.Device)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}

	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, device_info, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.TokenHash, device, rec.CreatedAt, rec.ExpiresAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation on token_hash
			return fmt.Errorf("insert refresh token: duplicate hash: %w", err)
		}
		return fmt.Errorf("insert refresh token: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *TokenStore) FindByHash(ctx context.Context, hash string) (*token.Record, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		SELECT id, user_id, token_hash, device_info, created_at, expires_at, revoked_at, superseded_by
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	rec, err := scanToken(s.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, token.ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w: %v", token.ErrStoreUnavailable, err)
	}
	return rec, nil
}

// Rotate revokes the current row and inserts the successor in one
// transaction. The UPDATE is guarded by revoked_at IS NULL so Postgres
// row-level locking serializes concurrent rotations of the same token and
// exactly one caller observes an affected row.
func (s *TokenStore) Rotate(ctx context.Context, currentHash string, successor *token.Record) (*token.Record, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rotation: %w: %v", token.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	revoke := `
		UPDATE refresh_tokens
		SET revoked_at = now(), superseded_by = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
		RETURNING id, user_id, token_hash, device_info, created_at, expires_at, revoked_at, superseded_by
	`
	old, err := scanToken(tx.QueryRow(ctx, revoke, currentHash, successor.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Zero rows affected: the token is absent or already revoked.
			return nil, s.classifyRotationLoss(ctx, tx, currentHash)
		}
		return nil, fmt.Errorf("revoke current token: %w: %v", token.ErrStoreUnavailable, err)
	}
	if !old.ExpiresAt.After(time.Now()) {
		// The row matched but is expired; roll back so passive expiry stays
		// the terminal state and no successor is minted.
		return nil, token.ErrExpired
	}

	successor.UserID = old.UserID
	successor.Device = old.Device

	device, err := json.Marshal(successor.Device)
	if err != nil {
		return nil, fmt.Errorf("encode device info: %w", err)
	}
	insert := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, device_info, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, insert,
		successor.ID, successor.UserID, successor.TokenHash, device,
		successor.CreatedAt, successor.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("insert successor token: %w: %v", token.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rotation: %w: %v", token.ErrStoreUnavailable, err)
	}
	return old, nil
}

// classifyRotationLoss distinguishes the zero-rows cases for audit clarity.
func (s *TokenStore) classifyRotationLoss(ctx context.Context, tx pgx.Tx, hash string) error {
	var revokedAt *time.Time
	err := tx.QueryRow(ctx,
		`SELECT revoked_at FROM refresh_tokens WHERE token_hash = $1`, hash,
	).Scan(&revokedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return token.ErrNotFound
	case err != nil:
		return fmt.Errorf("classify rotation loss: %w: %v", token.ErrStoreUnavailable, err)
	default:
		// Either already revoked, or revoked by a concurrent rotation that
		// committed between our UPDATE and this read. Same terminal answer.
		return token.ErrRevoked
	}
}

func (s *TokenStore) Revoke(ctx context.Context, hash string) (bool, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, hash)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w: %v", token.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TokenStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	// Only rows visible at statement start are affected; a token issued by a
	// concurrent transaction survives. See the package documentation for the
	// policy rationale.
	query := `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE user_id = $1 AND ` + condTokenValid
	tag, err := s.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all tokens: %w: %v", token.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *TokenStore) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	query := `
		DELETE FROM refresh_tokens
		WHERE (revoked_at IS NOT NULL AND revoked_at < now() - $1::interval)
		   OR (revoked_at IS NULL AND expires_at < now() - $1::interval)
	`
	interval := fmt.Sprintf("%f seconds", retention.Seconds())
	tag, err := s.pool.Exec(ctx, query, interval)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w: %v", token.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (*token.Record, error) {
	var (
		rec    token.Record
		device []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.TokenHash, &device,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt, &rec.SupersededBy,
	); err != nil {
		return nil, err
	}
	if len(device) > 0 {
		if err := json.Unmarshal(device, &rec.Device); err != nil {
			return nil, fmt.Errorf("decode device info: %w", err)
		}
	}
	return &rec, nil
}

var _ token.Store = (*TokenStore)(nil)
