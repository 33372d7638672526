package paxos

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DeliveredCapacity bounds how many delivered instances each store keeps.
const DeliveredCapacity = 100

// instanceStore creates instance records lazily. Records of delivered
// instances move to a bounded LRU, so very old instances are forgotten.
type instanceStore[T any] struct {
	active    map[InstanceID]*T
	delivered *lru.Cache[InstanceID, *T]
	fresh     func(InstanceID) *T
}

func newInstanceStore[T any](capacity int, fresh func(InstanceID) *T) *instanceStore[T] {
	delivered, err := lru.New[InstanceID, *T](capacity)
	if err != nil {
		panic(err)
	}
	return &instanceStore[T]{
		active:    make(map[InstanceID]*T),
		delivered: delivered,
		fresh:     fresh,
	}
}

// Get returns the record for id, creating it if it is unknown.
func (s *instanceStore[T]) Get(id InstanceID) *T {
	if v, ok := s.Lookup(id); ok {
		return v
	}
	v := s.fresh(id)
	s.active[id] = v
	return v
}

func (s *instanceStore[T]) Lookup(id InstanceID) (*T, bool) {
	if v, ok := s.active[id]; ok {
		return v, true
	}
	return s.delivered.Peek(id)
}

// Delivered moves id out of the active set.
func (s *instanceStore[T]) Delivered(id InstanceID) {
	v, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	s.delivered.Add(id, v)
}

func (s *instanceStore[T]) Active() int { return len(s.active) }

func (s *instanceStore[T]) Clear() {
	clear(s.active)
	s.delivered.Purge()
}
