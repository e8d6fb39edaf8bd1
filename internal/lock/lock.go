// Package lock serializes work per key. Activation uses the payment or
// voucher reference as key, so different references never block each other.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive hold on key until the returned unlock is
// called. Lock blocks until the key is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is a process-local keyed mutex.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e := l.entries[key]
	if e == nil {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports the number of keys currently held or awaited.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
