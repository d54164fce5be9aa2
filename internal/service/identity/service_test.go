package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"relay-core/internal/model"
	"relay-core/pkg/cache"
	"relay-core/pkg/errno"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*miniredis.Miniredis, *Service) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewMultiLevelCache(cache.NewMemoryCache(time.Minute, time.Minute), cache.NewRedisCache(rdb, "cache:"))
	return mr, NewService(rdb, c)
}

func TestAuthenticateSession(t *testing.T) {
	mr, s := newService(t)
	mr.HSet("session:abc", "user_id", "u1", "tier", "pro")

	p, err := s.Authenticate(context.Background(), model.RoleController, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.Principal{UserID: "u1", Tier: "pro"}, *p)

	// 缓存 key 不含原始 session token
	assert.True(t, mr.Exists("cache:"+cache.PrincipalKey(string(model.RoleController), "abc")))
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "principal:controller:abc")
	}

	// 命中缓存后即使源数据删除也能认证
	mr.Del("session:abc")
	p, err = s.Authenticate(context.Background(), model.RoleController, "abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	// Revoke 清理缓存
	require.NoError(t, s.Revoke(context.Background(), model.RoleController, "abc"))
	_, err = s.Authenticate(context.Background(), model.RoleController, "abc")
	assert.ErrorIs(t, err, errno.ErrAuthentication)
}

func TestAuthenticateAPIKeyIsHashed(t *testing.T) {
	mr, s := newService(t)
	require.NoError(t, s.IssueKey(context.Background(), "u2", "", "sk_live_123"))

	sum := sha256.Sum256([]byte("sk_live_123"))
	assert.Equal(t, "u2", mr.HGet("apikey:"+hex.EncodeToString(sum[:]), "user_id"))

	p, err := s.Authenticate(context.Background(), model.RoleSigner, "sk_live_123")
	require.NoError(t, err)
	assert.Equal(t, "u2", p.UserID)
	assert.Equal(t, "free", p.Tier)

	// session 命名空间不能用 API key 登录
	_, err = s.Authenticate(context.Background(), model.RoleController, "sk_live_123")
	assert.ErrorIs(t, err, errno.ErrAuthentication)
}

func TestAuthenticateRejects(t *testing.T) {
	_, s := newService(t)
	tests := []struct {
		name string
		role model.Role
		cred string
	}{
		{"empty", model.RoleSigner, ""},
		{"unknown key", model.RoleSigner, "nope"},
		{"unknown role", model.RoleUnknown, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Authenticate(context.Background(), tt.role, tt.cred)
			assert.ErrorIs(t, err, errno.ErrAuthentication)
		})
	}
}
