// Package syncutil serializes work per location without a lock per key.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultLanes = 64

// Lanes is a fixed pool of channel mutexes. Every key maps to one lane, so
// two operations on the same level never overlap while distinct levels
// usually proceed in parallel. The zero value is ready to use.
type Lanes struct {
	once  sync.Once
	n     int
	lanes []chan struct{}
}

// NewLanes returns a pool with n lanes.
func NewLanes(n int) *Lanes {
	if n <= 0 {
		n = defaultLanes
	}
	l := &Lanes{n: n}
	l.init()
	return l
}

func (l *Lanes) init() {
	l.once.Do(func() {
		if l.n <= 0 {
			l.n = defaultLanes
		}
		l.lanes = make([]chan struct{}, l.n)
		for i := range l.lanes {
			l.lanes[i] = make(chan struct{}, 1)
		}
	})
}

func (l *Lanes) lane(key string) chan struct{} {
	l.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.lanes[h.Sum32()%uint32(l.n)]
}

// Acquire waits for key's lane or for ctx to end. The returned func releases it.
func (l *Lanes) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.lane(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lock waits for key's lane unconditionally.
func (l *Lanes) Lock(key string) func() {
	ch := l.lane(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// TryLock takes key's lane only if it is free.
func (l *Lanes) TryLock(key string) (func(), bool) {
	ch := l.lane(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
