// Package ring places cluster members on a hash ring so that every replica
// derives the same successor/predecessor relation from the same member set,
// independent of join order.
package ring

import (
	"hash/fnv"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type point struct {
	hash uint32
	id   string
}

type HashRing struct {
	mu     sync.RWMutex
	hash   Hasher
	points []point // sorted by hash, then id
	nodes  map[string]struct{}
}

func New(h Hasher) *HashRing {
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		hash:  h,
		nodes: make(map[string]struct{}),
	}
}

// FromMembers builds a ring whose node ids are the member URIs.
func FromMembers(members []string) *HashRing {
	r := New(nil)
	for _, m := range members {
		r.Add(m)
	}
	return r
}

func (r *HashRing) Add(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		return
	}
	r.nodes[nodeID] = struct{}{}
	r.points = append(r.points, point{hash: r.hash([]byte(nodeID)), id: nodeID})
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].id < r.points[j].id
	})
}

func (r *HashRing) Contains(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// Order returns node ids in ring order.
func (r *HashRing) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.points))
	for i, p := range r.points {
		out[i] = p.id
	}
	return out
}

func (r *HashRing) index(nodeID string) int {
	for i, p := range r.points {
		if p.id == nodeID {
			return i
		}
	}
	return -1
}

// Successor returns the node after nodeID, wrapping around. A single-node
// ring is its own successor.
func (r *HashRing) Successor(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(nodeID)
	if i < 0 {
		return "", false
	}
	return r.points[(i+1)%len(r.points)].id, true
}

func (r *HashRing) Predecessor(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(nodeID)
	if i < 0 {
		return "", false
	}
	return r.points[(i+len(r.points)-1)%len(r.points)].id, true
}

// Last reports whether nodeID is the final node when walking the ring from
// first.
func (r *HashRing) Last(first, nodeID string) bool {
	pred, ok := r.Predecessor(first)
	return ok && pred == nodeID
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
