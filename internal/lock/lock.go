// Package lock provides the cross-process store lock and an in-process keyed
// mutex. Both acquisitions are bounded by a context deadline.
package lock

import (
	"context"
	"sync"
)

// MutexMap hands out one mutex per key. Lock waits until the key is free or
// ctx is done.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]chan struct{}),
	}
}

func (m *MutexMap) Lock(ctx context.Context, key string) error {
	ch := m.getMutex(key)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) {
	ch := m.getMutex(key)
	select {
	case <-ch:
	default:
		panic("lock: unlock of unlocked key " + key)
	}
}

func (m *MutexMap) getMutex(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.mutexes[key]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	m.mutexes[key] = ch
	return ch
}
