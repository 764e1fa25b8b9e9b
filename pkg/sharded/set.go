package sharded

// Set is a concurrency-safe set of strings.
type Set struct {
	m *Map[struct{}]
}

// NewSet panics if numShards is not a power of two.
func NewSet(numShards int) *Set {
	return &Set{m: NewMap[struct{}](numShards)}
}

func (s *Set) Store(key string) { s.m.Store(key, struct{}{}) }

func (s *Set) Has(key string) bool { return s.m.Has(key) }

// LoadOrStore adds key and reports whether it was already present.
func (s *Set) LoadOrStore(key string) (loaded bool) {
	_, loaded = s.m.LoadOrStore(key, struct{}{})
	return loaded
}

func (s *Set) Delete(key string) { s.m.Delete(key) }

func (s *Set) Count() int { return s.m.Count() }

