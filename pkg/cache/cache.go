package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"relay-core/pkg/logger"

	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 以 JSON 语义存取，Get 得到的永远是副本
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get 未命中返回 ErrCacheMiss
	Get(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, key string) error
}

// PrincipalKey 凭证解析结果的缓存 key。
// 原始凭证只以哈希形式出现在 key 里，不同角色的同名凭证互不覆盖。
func PrincipalKey(role, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "principal:" + role + ":" + hex.EncodeToString(sum[:])
}

// Load 读穿缓存: 命中直接返回，未命中调用 load 并回写。
// load 的错误原样返回且不缓存，缓存自身故障只记日志。
func Load[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	err := c.Get(ctx, key, &v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		logger.Warn("[Cache] 读取失败，回源", zap.String("key", key), zap.Error(err))
	}

	v, err = load(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		logger.Warn("[Cache] 回写失败", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
