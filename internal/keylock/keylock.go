// Package keylock provides mutual exclusion scoped to a single entity id.
// Operations for the same id are totally ordered; operations for distinct
// ids run fully in parallel. Entries are created lazily and removed once
// the last waiter releases, so the map does not grow with the id space.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedLock is a map of id to mutex with lazy lifecycle management.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty KeyedLock.
func New() *KeyedLock {
	return &KeyedLock{entries: make(map[string]*entry)}
}

// Do runs fn while holding the lock for key. The lock is released on every
// exit path, including fn returning an error or panicking. Acquisition is
// abandoned if ctx is cancelled first.
func (k *KeyedLock) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := k.acquire(ctx, key); err != nil {
		return err
	}
	defer k.release(key)
	return fn(ctx)
}

// Locked reports whether the key is currently held. Probe only; the answer
// may be stale by the time the caller acts on it.
func (k *KeyedLock) Locked(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.entries[key]
	return ok
}

func (k *KeyedLock) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *KeyedLock) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
		return
	}
	e.ch <- struct{}{}
}
