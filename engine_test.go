package authvault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/cache"
	"github.com/authvault/authvault/password"
	"github.com/authvault/authvault/token"
)

type fakeDirectory struct {
	mu        sync.Mutex
	users     map[uuid.UUID]*User
	byIdent   map[string]uuid.UUID
	roles     map[uuid.UUID]map[string]bool
	permLoads int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:   make(map[uuid.UUID]*User),
		byIdent: make(map[string]uuid.UUID),
		roles:   make(map[uuid.UUID]map[string]bool),
	}
}

func (d *fakeDirectory) addUser(identifier, passwordHash string) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.New()
	d.users[id] = &User{ID: id, Username: identifier, PasswordHash: passwordHash}
	d.byIdent[identifier] = id
	return id
}

func (d *fakeDirectory) FindByIdentifier(_ context.Context, identifier string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byIdent[identifier]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *d.users[id]
	return &u, nil
}

func (d *fakeDirectory) FindByID(_ context.Context, id uuid.UUID) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (d *fakeDirectory) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (d *fakeDirectory) AssignRole(_ context.Context, userID uuid.UUID, role string, _ *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.roles[userID] == nil {
		d.roles[userID] = make(map[string]bool)
	}
	d.roles[userID][role] = true
	return nil
}

func (d *fakeDirectory) RevokeRole(_ context.Context, userID uuid.UUID, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.roles[userID], role)
	return nil
}

func (d *fakeDirectory) PermissionNames(_ context.Context, userID uuid.UUID) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.permLoads++
	var perms []string
	for role := range d.roles[userID] {
		perms = append(perms, role+".read")
	}
	return perms, nil
}

func (d *fakeDirectory) loads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permLoads
}

type memoryLoginRecorder struct {
	mu       sync.Mutex
	attempts []LoginAttempt
}

func (r *memoryLoginRecorder) RecordLogin(_ context.Context, attempt LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *memoryLoginRecorder) all() []LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LoginAttempt(nil), r.attempts...)
}

type engineFixture struct {
	engine    *Engine
	directory *fakeDirectory
	logins    *memoryLoginRecorder
	sink      *audit.ChannelSink
	hasher    *password.Hasher
}

func newTestEngine(t *testing.T, mutate func(cfg *Config, b *Builder)) *engineFixture {
	t.Helper()

	hasher, err := password.New(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16,
	})
	if err != nil {
		t.Fatalf("password.New failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Token.TTL = time.Hour
	directory := newFakeDirectory()
	logins := &memoryLoginRecorder{}
	sink := audit.NewChannelSink(64)

	builder := New().
		WithTokenStore(token.NewMemoryStore()).
		WithCacheTiers(nil, cache.NewMemoryTier()).
		WithUserDirectory(directory).
		WithLoginRecorder(logins).
		WithAuditSink(sink).
		WithPasswordHasher(hasher)
	if mutate != nil {
		mutate(&cfg, builder)
	}
	engine, err := builder.WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &engineFixture{
		engine:    engine,
		directory: directory,
		logins:    logins,
		sink:      sink,
		hasher:    hasher,
	}
}

func (f *engineFixture) addUser(t *testing.T, identifier, pass string) uuid.UUID {
	t.Helper()

	hash, err := f.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return f.directory.addUser(identifier, hash)
}

// waitEvent consumes audited events until one with the given type arrives.
func (f *engineFixture) waitEvent(t *testing.T, eventType string) AuditEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-f.sink.Events():
			if event.EventType == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %q audit event observed", eventType)
		}
	}
}

func TestLoginIssuesSession(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	userID := f.addUser(t, "alice", "correct horse battery")

	session, err := f.engine.Login(ctx, "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.UserID != userID {
		t.Fatalf("session bound to wrong user: %s", session.UserID)
	}
	if session.RefreshToken == "" {
		t.Fatal("session must carry the raw refresh token")
	}
	if !session.ExpiresAt.After(time.Now()) {
		t.Fatal("session expiry must be in the future")
	}

	if _, err := f.engine.Validate(ctx, session.RefreshToken); err != nil {
		t.Fatalf("freshly issued token must validate: %v", err)
	}

	event := f.waitEvent(t, EventLoginSuccess)
	if event.ActorID == nil || *event.ActorID != userID {
		t.Fatalf("login event must name the actor: %+v", event)
	}

	attempts := f.logins.all()
	if len(attempts) != 1 || !attempts[0].Success {
		t.Fatalf("expected one successful login-history row, got %+v", attempts)
	}
}

func TestLoginRejectionsAreGeneric(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	f.addUser(t, "alice", "correct horse battery")

	_, unknownErr := f.engine.Login(ctx, "nobody", "whatever pass")
	_, wrongErr := f.engine.Login(ctx, "alice", "wrong password!!")

	// Both failure modes present the same sentinel to the caller; only the
	// audit metadata distinguishes them.
	for _, err := range []error{unknownErr, wrongErr} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("rejection must wrap ErrUnauthorized, got %v", err)
		}
	}

	attempts := f.logins.all()
	if len(attempts) != 2 {
		t.Fatalf("both failures must be recorded, got %d rows", len(attempts))
	}
	if attempts[0].UserID != nil {
		t.Fatal("unknown identifier must not be linked to a user")
	}
	if attempts[1].UserID == nil {
		t.Fatal("wrong password must still link the user")
	}
}

func TestLoginRateLimited(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	f := newTestEngine(t, func(cfg *Config, b *Builder) {
		cfg.Rate.LoginLimit = 2
		cfg.Rate.LoginWindow = time.Minute
		b.WithRedis(rdb)
	})
	f.addUser(t, "alice", "correct horse battery")

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Login(ctx, "alice", "wrong password!!"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if _, err := f.engine.Login(ctx, "alice", "correct horse battery"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third attempt must be rate limited, got %v", err)
	}

	// Window elapses and the correct password succeeds, which resets the
	// counter.
	mr.FastForward(2 * time.Minute)
	if _, err := f.engine.Login(ctx, "alice", "correct horse battery"); err != nil {
		t.Fatalf("login after window must succeed: %v", err)
	}
}

func TestRotateRevokesPredecessor(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	f.addUser(t, "alice", "correct horse battery")

	first, err := f.engine.Login(ctx, "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	second, err := f.engine.Rotate(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a new secret")
	}
	if second.UserID != first.UserID {
		t.Fatal("successor must stay bound to the same user")
	}

	if _, err := f.engine.Validate(ctx, first.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old token must be revoked, got %v", err)
	}
	if _, err := f.engine.Validate(ctx, second.RefreshToken); err != nil {
		t.Fatalf("successor must validate: %v", err)
	}
}

func TestRotateReuseDetected(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	f.addUser(t, "alice", "correct horse battery")

	session, err := f.engine.Login(ctx, "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := f.engine.Rotate(ctx, session.RefreshToken); err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Presenting the rotated-out token again is the reuse signal.
	if _, err := f.engine.Rotate(ctx, session.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	f.waitEvent(t, EventTokenReuse)

	snap := f.engine.Metrics()
	if snap.ReuseDetected == 0 {
		t.Fatal("reuse counter must advance")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	f.addUser(t, "alice", "correct horse battery")

	session, err := f.engine.Login(ctx, "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	revoked, err := f.engine.Revoke(ctx, session.RefreshToken)
	if err != nil || !revoked {
		t.Fatalf("first revoke must transition: revoked=%v err=%v", revoked, err)
	}
	revoked, err = f.engine.Revoke(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("second revoke must not error: %v", err)
	}
	if revoked {
		t.Fatal("second revoke must report no transition")
	}
}

func TestRevokeAllEmitsCriticalEvent(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	userID := f.addUser(t, "alice", "correct horse battery")

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Login(ctx, "alice", "correct horse battery"); err != nil {
			t.Fatalf("Login %d failed: %v", i, err)
		}
	}

	n, err := f.engine.RevokeAll(ctx, userID)
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}

	event := f.waitEvent(t, EventTokenRevokedAll)
	if !event.Critical() {
		t.Fatal("revoke-all must be a critical audit event")
	}
	if event.Metadata["revoked"] != "3" {
		t.Fatalf("event must carry the count: %+v", event.Metadata)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	userID := f.addUser(t, "alice", "correct horse battery")

	session, err := f.engine.Login(ctx, "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := f.engine.ChangePassword(ctx, userID, "wrong password!!", "next password ok"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong old password must be rejected, got %v", err)
	}
	if err := f.engine.ChangePassword(ctx, userID, "correct horse battery", "correct horse battery"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("unchanged password must be rejected, got %v", err)
	}

	if err := f.engine.ChangePassword(ctx, userID, "correct horse battery", "next password ok"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, err := f.engine.Validate(ctx, session.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("sessions must be revoked after password change, got %v", err)
	}
	if _, err := f.engine.Login(ctx, "alice", "next password ok"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}

	event := f.waitEvent(t, EventPasswordChanged)
	if !event.Critical() {
		t.Fatal("password change must be a critical audit event")
	}
}

func TestPermissionSnapshotCachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	userID := f.addUser(t, "alice", "correct horse battery")

	if err := f.engine.AssignRole(ctx, userID, "editor", nil); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}

	perms, err := f.engine.PermissionsForUser(ctx, userID)
	if err != nil {
		t.Fatalf("PermissionsForUser failed: %v", err)
	}
	if len(perms) != 1 || perms[0] != "editor.read" {
		t.Fatalf("unexpected permissions: %v", perms)
	}

	// Repeated reads serve the cached snapshot.
	before := f.directory.loads()
	for i := 0; i < 5; i++ {
		if _, err := f.engine.PermissionsForUser(ctx, userID); err != nil {
			t.Fatalf("cached read failed: %v", err)
		}
	}
	if f.directory.loads() != before {
		t.Fatalf("cached reads must not hit the directory: %d loads", f.directory.loads())
	}

	// A grant change invalidates the snapshot; the next read reloads.
	if err := f.engine.RevokeRole(ctx, userID, "editor"); err != nil {
		t.Fatalf("RevokeRole failed: %v", err)
	}
	perms, err = f.engine.PermissionsForUser(ctx, userID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("revoked role must disappear from the snapshot: %v", perms)
	}
	if f.directory.loads() == before {
		t.Fatal("invalidation must force a directory reload")
	}
}

func TestRoleChangeEmitsCriticalEvents(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	userID := f.addUser(t, "alice", "correct horse battery")

	if err := f.engine.AssignRole(ctx, userID, "admin", nil); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}
	assigned := f.waitEvent(t, EventRoleAssigned)
	if !assigned.Critical() {
		t.Fatal("role assignment must be critical")
	}
	if assigned.TargetID == nil || *assigned.TargetID != userID {
		t.Fatalf("role event must target the user: %+v", assigned)
	}

	if err := f.engine.RevokeRole(ctx, userID, "admin"); err != nil {
		t.Fatalf("RevokeRole failed: %v", err)
	}
	revoked := f.waitEvent(t, EventRoleRevoked)
	if !revoked.Critical() {
		t.Fatal("role revocation must be critical")
	}
}

func TestCachePassThroughOperations(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)

	if err := f.engine.CacheSet(ctx, "settings:site:1", "dark", time.Minute); err != nil {
		t.Fatalf("CacheSet failed: %v", err)
	}
	value, err := f.engine.CacheGet(ctx, "settings:site:1")
	if err != nil || value != "dark" {
		t.Fatalf("CacheGet: value=%q err=%v", value, err)
	}

	if err := f.engine.CacheInvalidate(ctx, "settings:site:1"); err != nil {
		t.Fatalf("CacheInvalidate failed: %v", err)
	}
	if _, err := f.engine.CacheGet(ctx, "settings:site:1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newTestEngine(t, nil)
	f.addUser(t, "alice", "correct horse battery")

	if _, err := f.engine.Login(ctx, "alice", "correct horse battery"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := f.engine.Login(ctx, "alice", "wrong password!!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	snap := f.engine.Metrics()
	if snap.LoginSuccess != 1 || snap.LoginFailure != 1 {
		t.Fatalf("unexpected login counters: %+v", snap)
	}
	if snap.TokensIssued != 1 {
		t.Fatalf("unexpected issue counter: %+v", snap)
	}
}
