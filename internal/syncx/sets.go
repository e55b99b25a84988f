// Package syncx holds the key-scoped concurrent structures shared by the
// presence, typing and subscription indices.
package syncx

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

var seed = maphash.MakeSeed()

func shardOf(key string) int {
	return int(maphash.String(seed, key) % shardCount)
}

type setShard[V comparable] struct {
	mu sync.Mutex
	m  map[string]map[V]struct{}
}

// Sets maps string keys to sets of V. Operations on one key are atomic and
// only contend with keys hashed to the same shard.
type Sets[V comparable] struct {
	shards [shardCount]setShard[V]
}

func NewSets[V comparable]() *Sets[V] {
	s := &Sets[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]map[V]struct{})
	}
	return s
}

// Add inserts v under key and reports whether it was absent.
func (s *Sets[V]) Add(key string, v V) bool {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.m[key]
	if !ok {
		set = make(map[V]struct{})
		sh.m[key] = set
	}
	if _, exists := set[v]; exists {
		return false
	}
	set[v] = struct{}{}
	return true
}

// Remove deletes v from key and reports whether it was present. Empty sets
// are dropped.
func (s *Sets[V]) Remove(key string, v V) bool {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.m[key]
	if !ok {
		return false
	}
	if _, exists := set[v]; !exists {
		return false
	}
	delete(set, v)
	if len(set) == 0 {
		delete(sh.m, key)
	}
	return true
}

func (s *Sets[V]) Contains(key string, v V) bool {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[key][v]
	return ok
}

// Members returns a snapshot of key's set in no particular order.
func (s *Sets[V]) Members(key string) []V {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]V, 0, len(sh.m[key]))
	for v := range sh.m[key] {
		out = append(out, v)
	}
	return out
}

// Take removes and returns the whole set stored under key.
func (s *Sets[V]) Take(key string) []V {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.m[key]
	delete(sh.m, key)
	out := make([]V, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
