package educational

import (
	"context"
	"slices"
	"sync"
)

// KeyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder or waiter leaves, so the map only holds
// keys in use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[LockKey]*keyLock
}

type keyLock struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[LockKey]*keyLock)}
}

// Lock acquires every key in sorted order and returns the release func.
// Duplicate keys are acquired once. On context cancellation the keys
// already taken are released and the context error returned.
func (k *KeyedMutex) Lock(ctx context.Context, keys ...LockKey) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]LockKey, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}

	for _, key := range sorted {
		l := k.acquireRef(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			k.dropRef(key)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (k *KeyedMutex) acquireRef(key LockKey) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) dropRef(key LockKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) unlock(key LockKey) {
	k.mu.Lock()
	l := k.locks[key]
	k.mu.Unlock()
	<-l.ch
	k.dropRef(key)
}

// Len reports how many keys are currently tracked.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
