// Package keylock provides in process locks keyed by any comparable value, with a ttl so a forgotten unlock doesn't block forever
package keylock

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	expires time.Time
	handle  int64
}

type KeyLock[K comparable] struct {
	locks map[K]*bucket
	mu    sync.Mutex
	c     int64

	// PollInterval is how often a blocked Lock retries
	PollInterval time.Duration
}

func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		locks:        make(map[K]*bucket),
		PollInterval: time.Millisecond * 50,
	}
}

// Lock blocks until the key is locked for ttl, or ctx is done.
// The returned handle is passed to Unlock, it keeps a caller whose lock expired from unlocking someone else's.
func (kl *KeyLock[K]) Lock(ctx context.Context, key K, ttl time.Duration) (handle int64, err error) {
	ticker := time.NewTicker(kl.PollInterval)
	defer ticker.Stop()

	for {
		if handle := kl.TryLock(key, ttl); handle != -1 {
			return handle, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock returns -1 if the key is held by someone else
func (kl *KeyLock[K]) TryLock(key K, ttl time.Duration) int64 {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	if b, ok := kl.locks[key]; ok && b != nil && now.Before(b.expires) {
		return -1
	}

	kl.c++
	kl.locks[key] = &bucket{
		handle:  kl.c,
		expires: now.Add(ttl),
	}

	return kl.c
}

func (kl *KeyLock[K]) Unlock(key K, handle int64) {
	kl.mu.Lock()
	if b, ok := kl.locks[key]; ok && b != nil && b.handle == handle {
		delete(kl.locks, key)
	}
	kl.mu.Unlock()
}
