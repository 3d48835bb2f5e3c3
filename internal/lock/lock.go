// Package lock serializes mutations of a single run across callers.
package lock

import (
	"context"
	"sync"

	"github.com/rendis/steward/pkg/schema"
)

// Locker hands out a mutual-exclusion token per key. The returned release
// func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker is an in-process keyed mutex. Entries are dropped once no
// caller holds or waits on them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, k)
		return nil, schema.NewErrorf(schema.ErrCodeLockUnavailable, "lock %q: %s", key, ctx.Err()).WithCause(ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.unref(key, k)
		})
	}, nil
}

// Held returns the number of keys currently tracked.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *MemoryLocker) unref(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}
