package lock

import (
	"context"
	"errors"
	"time"

	"relay-core/pkg/safe_random"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld 释放时发现锁已不属于自己 (过期或被他人持有)
var ErrNotHeld = errors.New("lock not held")

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识
	// ttl: 锁的过期时间
	// 返回: (持有凭证, 是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Release 凭证匹配时释放锁
	Release(ctx context.Context, key, token string) error

	// Extend 凭证匹配时把剩余有效期重置为 ttl
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
}

// 只有 value 与凭证一致才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock 基于 Redis SET NX 的实现
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := safe_random.GenerateRandomHexString(16)
	if err != nil {
		return "", false, err
	}
	// SET key token NX PX ttl
	ok, err := l.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{"lock:" + key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLock) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{"lock:" + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
