package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/types"
)

func setupRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCache(client, nil)
}

func TestRedisCache_SetAndGet(t *testing.T) {
	mr, store := setupRedisCache(t)
	ctx := context.Background()

	entry := &CacheEntry{Result: &types.Result{OutputText: "cached"}, CreatedAt: time.Now()}
	require.NoError(t, store.Set(ctx, "key1", entry, time.Minute))

	got, err := store.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Result.OutputText)

	// Redis-side expiry applies.
	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "key1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_MissAndDelete(t *testing.T) {
	_, store := setupRedisCache(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	entry := &CacheEntry{Result: &types.Result{OutputText: "v"}}
	require.NoError(t, store.Set(ctx, "k", entry, 0))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestTieredCache_LocalFirstWithBackfill(t *testing.T) {
	_, remote := setupRedisCache(t)
	local := NewLRUCache(8)
	tiered := NewTieredCache(local, remote, nil)
	ctx := context.Background()

	// Seed only the remote tier, as another process would.
	entry := &CacheEntry{Result: &types.Result{OutputText: "shared"}}
	require.NoError(t, remote.Set(ctx, "k", entry, time.Minute))

	got, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "shared", got.Result.OutputText)

	// The hit backfilled the local tier.
	_, err = local.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestTieredCache_WritesBothTiers(t *testing.T) {
	_, remote := setupRedisCache(t)
	local := NewLRUCache(8)
	tiered := NewTieredCache(local, remote, nil)
	ctx := context.Background()

	entry := &CacheEntry{Result: &types.Result{OutputText: "v"}}
	require.NoError(t, tiered.Set(ctx, "k", entry, time.Minute))

	_, err := local.Get(ctx, "k")
	assert.NoError(t, err)
	_, err = remote.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestCache_WithRedisStore(t *testing.T) {
	_, store := setupRedisCache(t)

	calls := 0
	base := func(_ context.Context, _ *types.Request) (*types.Result, error) {
		calls++
		return &types.Result{OutputText: "fresh"}, nil
	}
	p := NewPipeline(base, nil, Cache(CacheConfig{Store: store, TTL: time.Minute}))

	ctx := context.Background()
	req := &types.Request{Model: "opus", Prompt: "hello"}
	_, err := p.Execute(ctx, req)
	require.NoError(t, err)
	res, err := p.Execute(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "fresh", res.OutputText)
}
