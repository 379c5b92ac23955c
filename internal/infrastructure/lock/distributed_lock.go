package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - PX: 过期时间，持有者崩溃后锁自动释放
//   - value: 持有者标识，释放时校验，防止误删别人的锁
//
// 释放锁：Lua 脚本保证"比较 + 删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockNotHeld = errors.New("锁已过期或被他人持有")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁；锁已不属于自己时返回 ErrLockNotHeld
func (l *DistributedLock) Unlock(ctx context.Context) error {
	deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// ============================================================================
// 基于账户维度的锁
// ============================================================================

// AccountLockKey 账户锁的 key
func AccountLockKey(accountID string) string {
	return fmt.Sprintf("ledger:lock:account:%s", accountID)
}

// RedisLocker 用 Redis 分布式锁实现 Locker，多实例部署时使用
type RedisLocker struct {
	client        *redis.Client
	log           *logrus.Logger
	expiration    time.Duration
	retryInterval time.Duration
	timeout       time.Duration
}

func NewRedisLocker(client *redis.Client, opts Options, log *logrus.Logger) *RedisLocker {
	opts = opts.withDefaults()
	return &RedisLocker{
		client:        client,
		log:           log,
		expiration:    opts.Expiration,
		retryInterval: opts.RetryInterval,
		timeout:       opts.Timeout,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	dl := NewDistributedLock(l.client, AccountLockKey(key), uuid.NewString(), l.expiration)

	maxRetries := int(l.timeout / l.retryInterval)
	if maxRetries < 1 {
		maxRetries = 1
	}

	if err := dl.Lock(ctx, l.retryInterval, maxRetries); err != nil {
		if errors.Is(err, ErrLockFailed) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}

	return func() {
		// 请求 ctx 可能已取消，释放锁使用独立的 ctx
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := dl.Unlock(unlockCtx); err != nil {
			// 持有期间锁已过期时，临界区可能与其他实例重叠，需要关注 lock_expiration 是否过短
			l.log.WithError(err).WithField("key", dl.key).Warn("释放分布式锁失败")
		}
	}, nil
}
