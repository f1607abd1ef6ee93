// Package keylock provides in-process exclusive locks addressed by string keys.
package keylock

import (
	"context"
	"sync"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one exclusive lock per key. Locks for different keys are
// independent. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a Locker
func New() *Locker {
	return &Locker{}
}

// Lock blocks until the lock for key is held or ctx is done. A ctx that is
// already done never gets the lock. The returned function releases the lock.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)

	// select picks randomly among ready cases
	if err := ctx.Err(); err != nil {
		l.releaseSlot(key, s)
		return nil, err
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}, nil
}

func (l *Locker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently locked or waited on
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
