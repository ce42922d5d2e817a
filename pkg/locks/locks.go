// Package locks provides the per-session lock manager that serializes
// turn processing.
package locks

import (
	"context"
	"sync"
)

// LockManager hands out exclusive per-key locks. Two turns for the same
// session key never run concurrently. Distributed implementations must
// hold the lock for at least the turn deadline and renew it on long
// phases; only the local implementation ships here.
type LockManager interface {
	// Acquire blocks until the key lock is held or ctx is done. The
	// returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
	// TryAcquire returns false immediately when the key is held.
	TryAcquire(key string) (release func(), ok bool)
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// Local is the in-process LockManager. Lock entries are reference counted
// and removed when the last waiter releases, so the map does not grow with
// the number of sessions ever seen.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// NewLocal creates an empty local lock manager.
func NewLocal() *Local {
	return &Local{locks: map[string]*keyedLock{}}
}

var _ LockManager = (*Local)(nil)

func (l *Local) get(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Local) put(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	kl := l.get(key)
	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.put(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.put(key, kl)
		return nil, ctx.Err()
	}
}

func (l *Local) TryAcquire(key string) (func(), bool) {
	kl := l.get(key)
	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.put(key, kl)
			})
		}, true
	default:
		l.put(key, kl)
		return nil, false
	}
}
