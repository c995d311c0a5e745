//go:build integration
// +build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/cache"
	"github.com/authvault/authvault/token"
)

// Integration tests run against a disposable Postgres, e.g.:
//
//	docker run --rm -e POSTGRES_PASSWORD=pw -p 5432:5432 postgres:16
//	DATABASE_URL=postgres://postgres:pw@localhost:5432/postgres?sslmode=disable \
//	  go test -tags integration ./store/
func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	require.NoError(t, Migrate(dsn, nil))

	pool, err := Open(context.Background(), Config{DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func createUser(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ($1, $2, $3, 'x')
	`, id, fmt.Sprintf("%s@example.com", id), id.String())
	require.NoError(t, err)
	return id
}

func newTokenRecord(userID uuid.UUID, ttl time.Duration) *token.Record {
	now := time.Now()
	return &token.Record{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestTokenStoreRotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	ts := NewTokenStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	current := newTokenRecord(userID, time.Hour)
	require.NoError(t, ts.Insert(ctx, current))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := ts.Rotate(ctx, current.TokenHash, newTokenRecord(userID, time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, token.ErrRevoked):
				losers++
			default:
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one rotation must win")
	require.Equal(t, workers-1, losers)

	rec, err := ts.FindByHash(ctx, current.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, rec.RevokedAt)
	require.NotNil(t, rec.SupersededBy)
}

func TestTokenStoreRotateExpiredRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	ts := NewTokenStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	expired := newTokenRecord(userID, -time.Minute)
	require.NoError(t, ts.Insert(ctx, expired))

	_, err := ts.Rotate(ctx, expired.TokenHash, newTokenRecord(userID, time.Hour))
	require.ErrorIs(t, err, token.ErrExpired)

	// The rollback must leave the row untouched, not revoked.
	rec, err := ts.FindByHash(ctx, expired.TokenHash)
	require.NoError(t, err)
	require.Nil(t, rec.RevokedAt)
}

func TestTokenStoreRevokeAll(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	ts := NewTokenStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.Insert(ctx, newTokenRecord(userID, time.Hour)))
	}

	n, err := ts.RevokeAll(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = ts.RevokeAll(ctx, userID)
	require.NoError(t, err)
	require.Zero(t, n, "second revoke-all must find nothing valid")
}

func TestDurableTierRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	tier := NewDurableTier(pool, 3*time.Second)

	key := "permissions:user:" + uuid.NewString()
	require.NoError(t, tier.Set(ctx, key, `["users.read"]`, time.Minute))

	entry, err := tier.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, `["users.read"]`, entry.Value)
	require.False(t, entry.Expired(time.Now()))

	// Overwrite with an already-expired TTL; the next read is a miss and
	// lazily deletes the row.
	require.NoError(t, tier.Set(ctx, key, "stale", -time.Second))
	_, err = tier.Get(ctx, key)
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestDurableTierDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	tier := NewDurableTier(pool, 3*time.Second)

	user := uuid.NewString()
	other := uuid.NewString()
	require.NoError(t, tier.Set(ctx, "permissions:user:"+user, "a", time.Minute))
	require.NoError(t, tier.Set(ctx, "permissions:user:"+user+":roles", "b", time.Minute))
	require.NoError(t, tier.Set(ctx, "permissions:user:"+other, "c", time.Minute))

	n, err := tier.DeleteByPrefix(ctx, "permissions:user:"+user)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = tier.Get(ctx, "permissions:user:"+other)
	require.NoError(t, err, "sibling keys must survive a prefix delete")
}

func TestUserStoreRolesAndPermissions(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	us := NewUserStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	role := "admin-" + uuid.NewString()[:8]
	perm := "users.delete-" + uuid.NewString()[:8]
	_, err := pool.Exec(ctx, `
		WITH r AS (INSERT INTO roles (name) VALUES ($1) RETURNING id),
		     p AS (INSERT INTO permissions (name) VALUES ($2) RETURNING id)
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT r.id, p.id FROM r, p
	`, role, perm)
	require.NoError(t, err)

	require.NoError(t, us.AssignRole(ctx, userID, role, nil))
	names, err := us.PermissionNames(ctx, userID)
	require.NoError(t, err)
	require.Contains(t, names, perm)

	// An expired grant stops conferring permissions without being deleted.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, us.AssignRole(ctx, userID, role, &past))
	names, err = us.PermissionNames(ctx, userID)
	require.NoError(t, err)
	require.NotContains(t, names, perm)

	require.NoError(t, us.RevokeRole(ctx, userID, role))
	require.ErrorIs(t, us.AssignRole(ctx, userID, "no-such-role", nil), ErrRoleNotFound)
}

func TestUserStoreSoftDeleteHidesUser(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	us := NewUserStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	_, err := us.FindByID(ctx, userID)
	require.NoError(t, err)

	require.NoError(t, us.SoftDelete(ctx, userID))
	_, err = us.FindByID(ctx, userID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, us.SoftDelete(ctx, userID), ErrNotFound)
}

func TestAuditLogStoreEmit(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	as := NewAuditLogStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	event := audit.Event{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		EventType: "token.revoked_all",
		Action:    "revoke_all",
		ActorID:   &userID,
		Status:    audit.StatusSuccess,
		Metadata:  map[string]string{"revoked": "3"},
	}
	require.NoError(t, as.Emit(ctx, event))

	var status string
	err := pool.QueryRow(ctx,
		`SELECT status FROM audit_logs WHERE id = $1`, event.ID,
	).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, "success", status)
}

func TestLoginHistoryRecordAndRead(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	lh := NewLoginHistoryStore(pool, 3*time.Second)

	userID := createUser(t, pool)
	require.NoError(t, lh.Record(ctx, LoginAttempt{
		UserID: &userID, Identifier: "alice", Success: false, IP: "10.0.0.1",
	}))
	require.NoError(t, lh.Record(ctx, LoginAttempt{
		UserID: &userID, Identifier: "alice", Success: true, IP: "10.0.0.1",
	}))
	// Unknown identifier still records, with no user linkage.
	require.NoError(t, lh.Record(ctx, LoginAttempt{Identifier: "ghost", Success: false}))

	attempts, err := lh.RecentForUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.True(t, attempts[0].Success, "most recent attempt first")
}
