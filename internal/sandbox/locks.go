package sandbox

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLock provides per-key mutual exclusion that can be abandoned through a
// context. Each key gets its own weight-1 semaphore, so different keys never
// contend while the same key is serialized.
type keyedLock struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*semaphore.Weighted
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		locks: make(map[string]*semaphore.Weighted),
	}
}

// repoLocks serializes object-store mutations per repository across every
// Manager in the process.
var repoLocks = newKeyedLock()

func (k *keyedLock) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		k.locks[key] = l
	}
	return l
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx is done first.
func (k *keyedLock) Lock(ctx context.Context, key string) error {
	return k.get(key).Acquire(ctx, 1)
}

// Unlock releases the lock for key.
func (k *keyedLock) Unlock(key string) {
	k.get(key).Release(1)
}
