package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryTier is an in-process Tier with lazy expiry and an explicit sweep.
// It backs tests and single-node embedders that run without Redis or a
// durable fallback.
type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryTier creates an empty MemoryTier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (t *MemoryTier) Get(_ context.Context, key string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return Entry{}, ErrMiss
	}
	if e.Expired(t.now()) {
		delete(t.entries, key)
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (t *MemoryTier) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = Entry{
		Value:     value,
		ExpiresAt: t.now().Add(ttl),
	}
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, key)
	return nil
}

func (t *MemoryTier) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int64
	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (t *MemoryTier) DeleteExpired(_ context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var removed int64
	for key, e := range t.entries {
		if e.Expired(now) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed, nil
}

var (
	_ Tier    = (*MemoryTier)(nil)
	_ Sweeper = (*MemoryTier)(nil)
)
