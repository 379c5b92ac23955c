package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout 在限定时间内没有拿到锁，调用方可以重试
var ErrLockTimeout = errors.New("获取锁超时")

// Locker 按 key 互斥
//
// Acquire 必须在有限时间内返回：拿到锁返回释放函数，超时返回 ErrLockTimeout
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Options 锁参数
type Options struct {
	Timeout       time.Duration // 最长等待时间
	RetryInterval time.Duration // 仅 RedisLocker 使用
	Expiration    time.Duration // 仅 RedisLocker 使用
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.Expiration <= 0 {
		o.Expiration = 30 * time.Second
	}
	return o
}

// AcquireAll 按 key 升序依次加锁
//
// 所有调用方使用同一个全局顺序，A->B 与 B->A 的并发转账不会互相等待成环。
// 任一 key 加锁失败时，已拿到的锁按逆序释放。
func AcquireAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, k := range sorted {
		release, err := l.Acquire(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// LocalLocker 进程内按 key 的互斥锁，单实例部署时使用
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocalLocker(opts Options) *LocalLocker {
	opts = opts.withDefaults()
	return &LocalLocker{
		timeout: opts.Timeout,
		slots:   make(map[string]*slot),
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	s := l.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			l.unref(key)
		})
	}, nil
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

// unref 没有人持有或等待时回收，避免 map 无限增长
func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
