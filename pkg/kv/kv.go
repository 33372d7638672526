// Package kv holds the local replica of the replicated map.
package kv

import (
	"container/list"
	"slices"
	"sync"
)

type entry struct {
	key     string
	value   []byte
	version uint64
}

// Entry is a copy of one stored value and the version that wrote it.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64
}

// Store is an in-memory map with eviction by bytes capacity. Only writes
// refresh an entry, so replicas that apply the same writes in the same order
// evict the same keys.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*list.Element
	ll      *list.List
	used    int
	cap     int
	version uint64
}

// NewStore returns a store holding at most capacityBytes of values. A
// capacity of zero or less disables eviction.
func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

// Put writes key at version and returns the keys evicted to make room.
func (s *Store) Put(key string, val []byte, version uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bump(version)
	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.version = version
		s.used += len(old.value)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), version: version}
		s.data[key] = s.ll.PushFront(e)
		s.used += len(e.value)
	}
	return s.evictIfNeeded(key)
}

func (s *Store) Get(key string) ([]byte, bool) {
	e, ok := s.Lookup(key)
	return e.Value, ok
}

func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.data[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*entry)
	return Entry{Key: e.key, Value: append([]byte(nil), e.value...), Version: e.version}, true
}

// Delete removes key at version and reports whether it was present.
func (s *Store) Delete(key string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bump(version)
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Used is the number of value bytes held.
func (s *Store) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Version is the highest version applied so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) bump(version uint64) {
	if version > s.version {
		s.version = version
	}
}

// evictIfNeeded drops least recently written entries until the store fits,
// never evicting keep.
func (s *Store) evictIfNeeded(keep string) []string {
	if s.cap <= 0 {
		return nil
	}
	var evicted []string
	for s.used > s.cap {
		el := s.ll.Back()
		if el == nil || el.Value.(*entry).key == keep {
			break
		}
		evicted = append(evicted, el.Value.(*entry).key)
		s.removeElement(el)
	}
	return evicted
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}
