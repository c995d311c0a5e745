package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same rotation semantics as the
// relational implementation. It backs unit tests and single-node embedders
// that do not need crash durability.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Record
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Record),
		now:    time.Now,
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.byHash[rec.TokenHash] = &cp
	return nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Rotate(_ context.Context, currentHash string, successor *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byHash[currentHash]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if !cur.ExpiresAt.After(s.now()) {
		return nil, ErrExpired
	}

	now := s.now()
	cur.RevokedAt = &now
	cur.SupersededBy = &successor.ID

	successor.UserID = cur.UserID
	successor.Device = cur.Device
	cp := *successor
	s.byHash[successor.TokenHash] = &cp

	old := *cur
	return &old, nil
}

func (s *MemoryStore) Revoke(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[hash]
	if !ok || rec.RevokedAt != nil {
		return false, nil
	}
	now := s.now()
	rec.RevokedAt = &now
	return true, nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, rec := range s.byHash {
		if rec.UserID == userID && rec.RevokedAt == nil && rec.ExpiresAt.After(now) {
			t := now
			rec.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	var n int64
	for hash, rec := range s.byHash {
		terminalAt, terminal := terminalTime(rec)
		if terminal && terminalAt.Before(cutoff) {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}

// CountForUser returns (total, active) rows for a user. Test helper.
func (s *MemoryStore) CountForUser(userID uuid.UUID) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var total, active int
	for _, rec := range s.byHash {
		if rec.UserID != userID {
			continue
		}
		total++
		if rec.Valid(now) {
			active++
		}
	}
	return total, active
}

func terminalTime(rec *Record) (time.Time, bool) {
	if rec.RevokedAt != nil {
		return *rec.RevokedAt, true
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return rec.ExpiresAt, true
	}
	return time.Time{}, false
}

var _ Store = (*MemoryStore)(nil)
