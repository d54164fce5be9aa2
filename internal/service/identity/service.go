package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"relay-core/internal/model"
	"relay-core/pkg/cache"
	"relay-core/pkg/errno"

	"github.com/redis/go-redis/v9"
)

const principalTTL = 30 * time.Second

// Service 从 Redis 中查找 session / API key 对应的用户。
// session 由 Web 端登录流程写入: HSET session:<token> user_id <id> tier <tier>
// API key 只保存哈希: HSET apikey:<sha256(key)> user_id <id> tier <tier>
type Service struct {
	rdb   *redis.Client
	cache cache.Cache
}

func NewService(rdb *redis.Client, c cache.Cache) *Service {
	return &Service{rdb: rdb, cache: c}
}

// Authenticate 实现 hub.Authenticator
func (s *Service) Authenticate(ctx context.Context, role model.Role, credential string) (*model.Principal, error) {
	if credential == "" {
		return nil, errno.ErrAuthentication.WithMessage("empty credential")
	}

	key, err := recordKey(role, credential)
	if err != nil {
		return nil, err
	}

	p, err := cache.Load(ctx, s.cache, cache.PrincipalKey(string(role), credential), principalTTL,
		func(ctx context.Context) (model.Principal, error) {
			return s.lookup(ctx, key)
		})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// recordKey 凭证在 Redis 中的记录位置
func recordKey(role model.Role, credential string) (string, error) {
	switch role {
	case model.RoleController:
		return "session:" + credential, nil
	case model.RoleSigner:
		sum := sha256.Sum256([]byte(credential))
		return "apikey:" + hex.EncodeToString(sum[:]), nil
	default:
		return "", errno.ErrAuthentication.WithMessage("unsupported role")
	}
}

func (s *Service) lookup(ctx context.Context, key string) (model.Principal, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Principal{}, fmt.Errorf("lookup credential: %w", errno.ErrUpstream.WithMessage(err.Error()))
	}
	if fields["user_id"] == "" {
		return model.Principal{}, errno.ErrAuthentication
	}
	p := model.Principal{UserID: fields["user_id"], Tier: fields["tier"]}
	if p.Tier == "" {
		p.Tier = "free"
	}
	return p, nil
}

// Revoke 删除凭证及其缓存 (CLI 使用)
func (s *Service) Revoke(ctx context.Context, role model.Role, credential string) error {
	key, err := recordKey(role, credential)
	if err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, cache.PrincipalKey(string(role), credential))
	return s.rdb.Del(ctx, key).Err()
}

// IssueKey 为签名端登记 API key (CLI 使用)
func (s *Service) IssueKey(ctx context.Context, userID, tier, credential string) error {
	sum := sha256.Sum256([]byte(credential))
	return s.rdb.HSet(ctx, "apikey:"+hex.EncodeToString(sum[:]), "user_id", userID, "tier", tier).Err()
}
