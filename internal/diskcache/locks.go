// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// keyLock is the exclusive build lock for one key. refs counts callers that
// hold or are waiting on sem; it is guarded by the registry mutex.
type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// LockRegistry hands out per-key build locks. Keys are case-insensitive.
// The zero value is ready to use.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// WithKeyLock runs fn while holding the exclusive lock for key.
//
// A timeout of zero only tries to take the lock, a positive timeout waits at
// most that long, and a negative timeout waits until ctx is done. If the
// lock is not acquired, fn is not run and ErrLockTimeout is returned, or
// ctx.Err() if ctx was done first.
func (r *LockRegistry) WithKeyLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	key = strings.ToLower(key)
	l := r.ref(key)
	defer r.unref(key, l)

	if !l.sem.TryAcquire(1) {
		if timeout == 0 {
			return ErrLockTimeout
		}
		wait := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := l.sem.Acquire(wait, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrLockTimeout
		}
	}
	defer l.sem.Release(1)

	return fn()
}

// Len returns the number of keys with live interest.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *LockRegistry) ref(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locks == nil {
		r.locks = make(map[string]*keyLock)
	}
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		r.locks[key] = l
	}
	l.refs++
	return l
}

func (r *LockRegistry) unref(key string, l *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs == 0 && r.locks[key] == l {
		delete(r.locks, key)
	}
}
