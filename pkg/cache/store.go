package cache

import (
	"container/list"
	"sync"
	"time"
)

// Store is a TTL plus FIFO byte/entry bounded cache. Eviction is strictly
// insertion order; an entry larger than the byte cap is rejected outright.
type Store[V any] struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest
	totalBytes int64

	maxEntries int   // 0 = unbounded
	maxBytes   int64 // 0 = unbounded
	ttl        time.Duration
}

type entry[V any] struct {
	key      string
	value    V
	size     int64
	storedAt time.Time
}

func NewStore[V any](maxEntries int, maxBytes int64, ttl time.Duration) *Store[V] {
	return &Store[V]{
		entries:    map[string]*list.Element{},
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
	}
}

// Set inserts or replaces. size is the caller's byte estimate for the
// value. Returns false when the entry alone exceeds the byte cap.
func (s *Store[V]) Set(key string, value V, size int64) bool {
	if s.maxBytes > 0 && size > s.maxBytes {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	el := s.order.PushBack(&entry[V]{key: key, value: value, size: size, storedAt: time.Now()})
	s.entries[key] = el
	s.totalBytes += size
	s.evictLocked()
	return true
}

// Get returns the live value for key. Expired entries are dropped on
// access.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	el, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if s.ttl > 0 && time.Since(e.storedAt) > s.ttl {
		s.removeLocked(el)
		return zero, false
	}
	return e.value, true
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
}

// Flush drops everything.
func (s *Store[V]) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]*list.Element{}
	s.order.Init()
	s.totalBytes = 0
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[V]) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *Store[V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[V])
	s.order.Remove(el)
	delete(s.entries, e.key)
	s.totalBytes -= e.size
}

// evictLocked removes oldest-first until both limits hold. The entry just
// inserted can only be evicted when it alone violates a limit.
func (s *Store[V]) evictLocked() {
	for s.order.Len() > 0 {
		overEntries := s.maxEntries > 0 && len(s.entries) > s.maxEntries
		overBytes := s.maxBytes > 0 && s.totalBytes > s.maxBytes
		if !overEntries && !overBytes {
			return
		}
		s.removeLocked(s.order.Front())
	}
}
