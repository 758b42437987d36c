// Package keylock provides mutual exclusion per string key.
package keylock

import (
	"context"
	"sync"
)

// Map serializes work per key. Entries are reference counted and
// removed once no holder or waiter remains, so the table only grows with
// the number of keys in flight.
type Map struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (k *Map) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *Map) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys with a holder or waiter.
func (k *Map) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
