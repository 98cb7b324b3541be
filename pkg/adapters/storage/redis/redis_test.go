package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *ShardRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewShardRegistry(client, ttl, nil)
}

func TestShardRegistry_ClaimIsExclusive(t *testing.T) {
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	ok, err := reg.Claim(ctx, 0, "gw-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Claim(ctx, 0, "gw-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.Claim(ctx, 0, "gw-a")
	require.NoError(t, err)
	assert.True(t, ok, "owner refreshes its own claim")

	owner, err := reg.Owner(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, owner.ShardID)
	assert.Equal(t, "gw-a", owner.Owner)
	assert.False(t, owner.ClaimedAt.IsZero())
}

func TestShardRegistry_ReleaseOnlyByOwner(t *testing.T) {
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Claim(ctx, 1, "gw-a")
	require.NoError(t, err)

	require.NoError(t, reg.Release(ctx, 1, "gw-b"))
	owner, err := reg.Owner(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "gw-a", owner.Owner)

	require.NoError(t, reg.Release(ctx, 1, "gw-a"))
	_, err = reg.Owner(ctx, 1)
	assert.ErrorIs(t, err, ErrShardNotClaimed)
}

func TestShardRegistry_ClaimExpires(t *testing.T) {
	mr, reg := newTestRegistry(t, time.Second)
	ctx := context.Background()

	_, err := reg.Claim(ctx, 2, "gw-a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ok, err := reg.Claim(ctx, 2, "gw-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardRegistry_List(t *testing.T) {
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	owners, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, owners)

	for _, id := range []int{3, 0, 12} {
		_, err := reg.Claim(ctx, id, "gw-a")
		require.NoError(t, err)
	}

	owners, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 3)
	assert.Equal(t, 0, owners[0].ShardID)
	assert.Equal(t, 3, owners[1].ShardID)
	assert.Equal(t, 12, owners[2].ShardID)
	for _, o := range owners {
		assert.Equal(t, "gw-a", o.Owner)
	}
}
