package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// failingTier rejects every operation, simulating an unreachable backend.
type failingTier struct{}

func (failingTier) Get(context.Context, string) (Entry, error) { return Entry{}, ErrUnavailable }
func (failingTier) Set(context.Context, string, string, time.Duration) error {
	return ErrUnavailable
}
func (failingTier) Delete(context.Context, string) error { return ErrUnavailable }
func (failingTier) DeleteByPrefix(context.Context, string) (int64, error) {
	return 0, ErrUnavailable
}

func newTestOrchestrator(t *testing.T, fast, durable Tier) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(fast, durable, OrchestratorConfig{RepairTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestGetPrefersFastTier(t *testing.T) {
	ctx := context.Background()
	fast := NewMemoryTier()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, fast, durable)

	require.NoError(t, fast.Set(ctx, "permissions:user:1", "fast", time.Minute))
	require.NoError(t, durable.Set(ctx, "permissions:user:1", "durable", time.Minute))

	v, err := o.Get(ctx, "permissions:user:1")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestGetFallsBackAndRepairs(t *testing.T) {
	ctx := context.Background()
	fast := NewMemoryTier()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, fast, durable)

	require.NoError(t, durable.Set(ctx, "permissions:user:2", "snapshot", time.Minute))

	v, err := o.Get(ctx, "permissions:user:2")
	require.NoError(t, err)
	assert.Equal(t, "snapshot", v)

	// Write-through repair repopulates the fast tier asynchronously.
	assert.Eventually(t, func() bool {
		e, err := fast.Get(ctx, "permissions:user:2")
		return err == nil && e.Value == "snapshot"
	}, time.Second, time.Millisecond)
}

func TestGetSurvivesFastTierOutage(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, failingTier{}, durable)

	require.NoError(t, durable.Set(ctx, "k", "v", time.Minute))

	v, err := o.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestGetBothTiersDown(t *testing.T) {
	o := newTestOrchestrator(t, failingTier{}, failingTier{})

	_, err := o.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetNeverReturnsExpiredValue(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, nil, durable)

	require.NoError(t, o.Set(ctx, "ephemeral", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := o.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSetSucceedsWhenFastTierFails(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, failingTier{}, durable)

	require.NoError(t, o.Set(ctx, "k", "v", time.Minute))

	e, err := durable.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", e.Value)
}

func TestSetFailsWhenDurableTierFails(t *testing.T) {
	fast := NewMemoryTier()
	o := newTestOrchestrator(t, fast, failingTier{})

	err := o.Set(context.Background(), "k", "v", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInvalidatePatternScopedToPrefix(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, NewMemoryTier(), durable)

	require.NoError(t, o.Set(ctx, "permissions:user:123:read", "1", time.Minute))
	require.NoError(t, o.Set(ctx, "permissions:user:123:write", "1", time.Minute))
	require.NoError(t, o.Set(ctx, "permissions:user:124:read", "1", time.Minute))

	removed, err := o.InvalidatePattern(ctx, "permissions:user:123:")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = o.Get(ctx, "permissions:user:123:read")
	assert.ErrorIs(t, err, ErrMiss)
	v, err := o.Get(ctx, "permissions:user:124:read")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestCleanupExpiredCounts(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryTier()
	o := newTestOrchestrator(t, nil, durable)

	require.NoError(t, o.Set(ctx, "dead:1", "v", time.Millisecond))
	require.NoError(t, o.Set(ctx, "dead:2", "v", time.Millisecond))
	require.NoError(t, o.Set(ctx, "dead:3", "v", time.Millisecond))
	require.NoError(t, o.Set(ctx, "live:1", "v", time.Minute))
	require.NoError(t, o.Set(ctx, "live:2", "v", time.Minute))

	time.Sleep(5 * time.Millisecond)

	removed, err := o.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	for _, key := range []string{"live:1", "live:2"} {
		v, err := o.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
}
