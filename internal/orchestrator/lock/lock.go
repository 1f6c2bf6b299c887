package lock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Locker hands out exclusive holds on string keys.
// A successful Acquire must be followed by exactly one Release of the same key.
type Locker interface {
	// Acquire blocks until key is held, timeout elapses or ctx is cancelled.
	// Returns false if the key could not be acquired.
	Acquire(ctx context.Context, key string, timeout time.Duration) bool
	Release(key string)
}

// KeyedMutex is a Locker whose exclusion only holds within this process.
// Replicas running against the same store each have their own KeyedMutex, so callers
// must treat it as contention reduction and rely on conditional writes for correctness.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*semaphore.Weighted{}}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.lockFor(key).Acquire(ctx, 1) == nil
}

func (m *KeyedMutex) Release(key string) {
	m.lockFor(key).Release(1)
}

func (m *KeyedMutex) lockFor(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		m.locks[key] = l
	}
	return l
}

// InstanceKey is the lock key guarding a single instance of a model.
func InstanceKey(modelId string, instanceName string) string {
	return modelId + "_" + instanceName
}
