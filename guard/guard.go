// Package guard provides at-most-one-concurrent-call guards.
//
// Busy is a single-slot semaphore: a caller that cannot take the slot skips
// its work instead of queueing. Keyed applies the same policy per key, which
// is how in-flight telemetry sends are deduplicated. Recover reports panics
// in background goroutines before letting them crash the process.
package guard

import (
	"sync"
	"sync/atomic"
)

// Busy is a single-slot, non-blocking semaphore. The zero value is free.
type Busy struct {
	held atomic.Bool
}

// TryAcquire takes the slot and returns true, or returns false if it is held.
func (b *Busy) TryAcquire() bool {
	return b.held.CompareAndSwap(false, true)
}

// Release frees the slot. Releasing a free slot has no effect.
func (b *Busy) Release() {
	b.held.Store(false)
}

// Held reports whether the slot is taken.
func (b *Busy) Held() bool {
	return b.held.Load()
}

// Do runs fn while holding the slot. It returns false without running fn
// when the slot is already held.
func (b *Busy) Do(fn func()) bool {
	if !b.TryAcquire() {
		return false
	}
	defer b.Release()
	fn()
	return true
}

// Keyed is a set of busy slots indexed by key. The zero value is not usable;
// use NewKeyed.
type Keyed[K comparable] struct {
	mu   sync.Mutex
	keys map[K]struct{}
}

// NewKeyed creates an empty keyed guard.
func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{keys: make(map[K]struct{})}
}

// TryAcquire marks key as held and returns true, or returns false if it
// already is.
func (k *Keyed[K]) TryAcquire(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, held := k.keys[key]; held {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

// Release frees key.
func (k *Keyed[K]) Release(key K) {
	k.mu.Lock()
	delete(k.keys, key)
	k.mu.Unlock()
}

// Held reports whether key is held.
func (k *Keyed[K]) Held(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, held := k.keys[key]
	return held
}

// Len returns the number of held keys.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
