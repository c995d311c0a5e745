package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFastTier(t *testing.T) (*FastTier, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	return NewFastTier(rdb, "av", time.Second), mr
}

func TestFastTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier, _ := newFastTier(t)

	require.NoError(t, tier.Set(ctx, "permissions:user:1", "snapshot", time.Minute))

	e, err := tier.Get(ctx, "permissions:user:1")
	require.NoError(t, err)
	assert.Equal(t, "snapshot", e.Value)

	require.NoError(t, tier.Delete(ctx, "permissions:user:1"))
	_, err = tier.Get(ctx, "permissions:user:1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestFastTierTTLExpiry(t *testing.T) {
	ctx := context.Background()
	tier, mr := newFastTier(t)

	require.NoError(t, tier.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := tier.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestFastTierDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	tier, _ := newFastTier(t)

	require.NoError(t, tier.Set(ctx, "permissions:user:123:a", "1", time.Minute))
	require.NoError(t, tier.Set(ctx, "permissions:user:123:b", "1", time.Minute))
	require.NoError(t, tier.Set(ctx, "permissions:user:9", "1", time.Minute))

	removed, err := tier.DeleteByPrefix(ctx, "permissions:user:123:")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = tier.Get(ctx, "permissions:user:123:a")
	assert.ErrorIs(t, err, ErrMiss)
	e, err := tier.Get(ctx, "permissions:user:9")
	require.NoError(t, err)
	assert.Equal(t, "1", e.Value)
}

func TestFastTierUnavailable(t *testing.T) {
	ctx := context.Background()
	tier, mr := newFastTier(t)
	mr.Close()

	_, err := tier.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, tier.Set(ctx, "k", "v", time.Minute), ErrUnavailable)
}
