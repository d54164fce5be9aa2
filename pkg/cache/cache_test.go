package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type principal struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMemoryCacheSnapshotsOnSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	orig := &principal{UserID: "u1", Role: "signer"}
	require.NoError(t, c.Set(ctx, "k", orig, time.Minute))
	orig.Role = "controller"

	var got principal
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, "signer", got.Role, "later writes to the original must not leak into the cache")

	got.Role = "mutated"
	var again principal
	require.NoError(t, c.Get(ctx, "k", &again))
	assert.Equal(t, "signer", again.Role)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
	assert.Equal(t, 0, c.Len())
}

func TestPrincipalKey(t *testing.T) {
	k := PrincipalKey("controller", "sess-secret")
	assert.True(t, strings.HasPrefix(k, "principal:controller:"))
	assert.NotContains(t, k, "sess-secret")
	assert.Equal(t, k, PrincipalKey("controller", "sess-secret"))
	assert.NotEqual(t, k, PrincipalKey("signer", "sess-secret"))
}

func TestLoadReadsThrough(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	calls := 0
	load := func(context.Context) (principal, error) {
		calls++
		return principal{UserID: "u1", Role: "signer"}, nil
	}
	for i := 0; i < 3; i++ {
		p, err := Load(ctx, c, "p", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, "u1", p.UserID)
	}
	assert.Equal(t, 1, calls)

	// 回源失败不缓存
	boom := errors.New("boom")
	_, err := Load(ctx, c, "q", time.Minute, func(context.Context) (principal, error) {
		return principal{}, boom
	})
	assert.ErrorIs(t, err, boom)
	var got principal
	assert.ErrorIs(t, c.Get(ctx, "q", &got), ErrCacheMiss)
}

func TestRedisCacheDropsUndecodable(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewRedisCache(client, "test:")

	require.NoError(t, mr.Set("test:old", "not-json"))
	var got principal
	assert.ErrorIs(t, c.Get(ctx, "old", &got), ErrCacheMiss)
	assert.False(t, mr.Exists("test:old"))
}

func TestRedisCacheMiss(t *testing.T) {
	_, client := newRedis(t)
	c := NewRedisCache(client, "test:")

	var got principal
	assert.ErrorIs(t, c.Get(context.Background(), "absent", &got), ErrCacheMiss)
}

func TestMultiLevelBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewRedisCache(client, "ml:")
	ml := NewMultiLevelCache(local, remote)

	// 只写 L2
	require.NoError(t, remote.Set(ctx, "p", principal{UserID: "u2", Role: "controller"}, time.Minute))

	var got principal
	require.NoError(t, ml.Get(ctx, "p", &got))
	assert.Equal(t, "u2", got.UserID)

	// L2 清空后仍可从 L1 命中
	mr.FlushAll()
	var cached principal
	require.NoError(t, ml.Get(ctx, "p", &cached))
	assert.Equal(t, "controller", cached.Role)

	require.NoError(t, ml.Delete(ctx, "p"))
	assert.ErrorIs(t, ml.Get(ctx, "p", &cached), ErrCacheMiss)
}
