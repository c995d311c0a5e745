package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginAttempt is one row of the append-only login history. UserID is nil
// when the identifier did not resolve to a user, so failed guesses are still
// recorded without leaking whether the account exists.
type LoginAttempt struct {
	ID         uuid.UUID
	UserID     *uuid.UUID
	Identifier string
	Success    bool
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// LoginHistoryStore appends and reads login attempts.
type LoginHistoryStore struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

func NewLoginHistoryStore(pool *pgxpool.Pool, opTimeout time.Duration) *LoginHistoryStore {
	return &LoginHistoryStore{
		pool:      pool,
		opTimeout: opTimeout,
	}
}

// Record appends one attempt. Failures here are reported but must not block
// the login path; the caller logs and continues.
func (s *LoginHistoryStore) Record(ctx context.Context, attempt LoginAttempt) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO login_history (id, user_id, identifier, success, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.Identifier, attempt.Success,
		nullIfEmpty(attempt.IP), nullIfEmpty(attempt.UserAgent), attempt.CreatedAt,
	); err != nil {
		return fmt.Errorf("record login attempt: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecentForUser returns the newest attempts for a user, most recent first.
func (s *LoginHistoryStore) RecentForUser(ctx context.Context, userID uuid.UUID, limit int) ([]LoginAttempt, error) {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, user_id, identifier, success, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM login_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load login history: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var attempts []LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Identifier, &a.Success, &a.IP, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load login history: %w: %v", ErrUnavailable, err)
	}
	return attempts, nil
}
