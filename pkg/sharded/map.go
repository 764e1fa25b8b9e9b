package sharded

import (
	"sort"
	"sync"
)

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrency-safe map from string keys to V.
type Map[V any] struct {
	shards []*mapShard[V]
}

// NewMap panics if numShards is not a power of two.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := &Map[V]{shards: make([]*mapShard[V], numShards)}
	for i := range numShards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[getShardIndex(key, len(m.shards))]
}

func (m *Map[V]) Store(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

func (m *Map[V]) Load(key string) (value V, ok bool) {
	s := m.shard(key)
	s.mu.RLock()
	value, ok = s.items[key]
	s.mu.RUnlock()
	return value, ok
}

func (m *Map[V]) Has(key string) bool {
	_, ok := m.Load(key)
	return ok
}

// LoadOrStore returns the existing value for key if present. Otherwise it stores
// value. loaded reports whether the value was already present.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if actual, loaded = s.items[key]; loaded {
		return actual, true
	}
	s.items[key] = value
	return value, false
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	s := m.shard(key)
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return ok
}

func (m *Map[V]) Count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Keys returns a sorted snapshot of all keys.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Count())
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Range calls f for each entry, one shard locked at a time. f must not
// modify the map. Iteration stops when f returns false.
func (m *Map[V]) Range(f func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

