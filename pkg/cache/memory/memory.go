// Package memory provides a process-local cache.Store with LRU eviction and
// per-entry expiry.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/heartline/heartline/pkg/cache"
)

// DefaultMaxEntries bounds the number of keys kept in memory.
const DefaultMaxEntries = 10000

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxEntries sets the LRU capacity.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

type item struct {
	key       string
	value     []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time
}

// Store is an in-memory LRU cache. Expired entries are dropped lazily on read.
type Store struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	eviction   *list.List
	now        func() time.Time

	hits   int64
	misses int64
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxEntries: DefaultMaxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup returns the live element for key, removing it if expired.
// Caller holds s.mu.
func (s *Store) lookup(key string) *item {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	it := elem.Value.(*item)
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		s.eviction.Remove(elem)
		delete(s.items, key)
		return nil
	}
	s.eviction.MoveToFront(elem)
	return it
}

// put inserts or replaces it. Caller holds s.mu.
func (s *Store) put(it *item) {
	if elem, ok := s.items[it.key]; ok {
		elem.Value = it
		s.eviction.MoveToFront(elem)
		return
	}
	if s.eviction.Len() >= s.maxEntries {
		s.evictOldest()
	}
	s.items[it.key] = s.eviction.PushFront(it)
}

func (s *Store) evictOldest() {
	back := s.eviction.Back()
	if back == nil {
		return
	}
	s.eviction.Remove(back)
	delete(s.items, back.Value.(*item).key)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil || it.isList {
		s.misses++
		return nil, cache.ErrMiss
	}
	s.hits++
	return clone(it.value), nil
}

// Set implements cache.Store.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(&item{key: key, value: clone(value), expiresAt: s.expiry(ttl)})
	return nil
}

// SetIfAbsent implements cache.Store. An expired entry counts as absent.
func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.put(&item{key: key, value: clone(value), expiresAt: s.expiry(ttl)})
	return true, nil
}

// Invalidate implements cache.Store.
func (s *Store) Invalidate(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if elem, ok := s.items[k]; ok {
			s.eviction.Remove(elem)
			delete(s.items, k)
		}
	}
	return nil
}

// PushRecent implements cache.Store.
func (s *Store) PushRecent(_ context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries [][]byte
	if it := s.lookup(key); it != nil && it.isList {
		entries = it.list
	}
	entries = append(entries, clone(value))
	if maxLen > 0 && len(entries) > maxLen {
		entries = append([][]byte(nil), entries[len(entries)-maxLen:]...)
	}
	s.put(&item{key: key, list: entries, isList: true, expiresAt: s.expiry(ttl)})
	return nil
}

// RecentRange implements cache.Store.
func (s *Store) RecentRange(_ context.Context, key string, n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil || !it.isList || n <= 0 {
		return nil, nil
	}
	entries := it.list
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = clone(e)
	}
	return out, nil
}

// Ping implements cache.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements cache.Store.
func (s *Store) Close() error { return nil }

// Len returns the number of live and not-yet-reaped entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// HitRate returns the hit ratio of Get calls and the number of lookups.
func (s *Store) HitRate() (rate float64, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = s.hits + s.misses
	if total == 0 {
		return 0, 0
	}
	return float64(s.hits) / float64(total), total
}
