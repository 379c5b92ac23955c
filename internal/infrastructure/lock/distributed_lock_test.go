package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLockOwnership(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	first := NewDistributedLock(client, "k", "owner-1", time.Minute)
	second := NewDistributedLock(client, "k", "owner-2", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放不生效
	assert.ErrorIs(t, second.Unlock(ctx), ErrLockNotHeld)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got)

	require.NoError(t, first.Unlock(ctx))
	assert.False(t, mr.Exists("k"))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	first := NewDistributedLock(client, "k", "owner-1", time.Second)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = NewDistributedLock(client, "k", "owner-2", time.Second).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	log, hook := test.NewNullLogger()
	l := NewRedisLocker(client, Options{Timeout: 60 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, log)

	release, err := l.Acquire(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(AccountLockKey("w1")))

	_, err = l.Acquire(ctx, "w1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	assert.False(t, mr.Exists(AccountLockKey("w1")))

	release, err = AcquireAll(ctx, l, "w2", "w1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(AccountLockKey("w1")))
	assert.True(t, mr.Exists(AccountLockKey("w2")))
	release()
	assert.False(t, mr.Exists(AccountLockKey("w2")))
	assert.Empty(t, hook.AllEntries())
}

func TestRedisLockerLogsExpiredRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	log, hook := test.NewNullLogger()
	l := NewRedisLocker(client, Options{Expiration: time.Second}, log)

	release, err := l.Acquire(ctx, "w1")
	require.NoError(t, err)

	// 持有期间锁过期并被其他实例拿走
	mr.FastForward(2 * time.Second)
	other, err := l.Acquire(ctx, "w1")
	require.NoError(t, err)

	release()
	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), ErrLockNotHeld)
	assert.Equal(t, AccountLockKey("w1"), entry.Data["key"])

	// 别人的锁没有被误删
	assert.True(t, mr.Exists(AccountLockKey("w1")))
	other()
	assert.False(t, mr.Exists(AccountLockKey("w1")))
}

func TestRedisLockerUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	log, _ := test.NewNullLogger()
	l := NewRedisLocker(client, Options{Timeout: 20 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, log)
	_, err := l.Acquire(context.Background(), "w1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}
