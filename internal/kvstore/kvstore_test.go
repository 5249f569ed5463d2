package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/kvstore"
)

func newTestStore(t *testing.T) (*kvstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvstore.NewRedisStore(rdb), mr
}

func TestIncr_SetsTTLOnlyOnFirstIncrement(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	count, err := store.Incr(ctx, "rl:foo", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, mr.TTL("rl:foo") > 0)

	mr.FastForward(2 * time.Second)
	count, err = store.Incr(ctx, "rl:foo", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "key should have expired and restarted at 1")
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestSetGetDel_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, store.Del(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestIncr_Unavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Incr(context.Background(), "rl:down", time.Second)
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
}

func TestTTL_ReportsRemainingLifetime(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 10*time.Second))
	mr.FastForward(8 * time.Second)

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 2*time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestTTL_MissingKey(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.TTL(context.Background(), "missing")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}
