package sharded

import (
	"fmt"
	"sync"
	"testing"
)

// TestMap_Basic tests the fundamental Store, Load, Has, and Delete operations.
func TestMap_Basic(t *testing.T) {
	m := NewMap[string](DefaultShards)
	key := "runs/exp1/events.out.tfevents.1"

	if val, ok := m.Load(key); ok {
		t.Errorf("Load(%q) = %v, %v; want zero, false for non-existent key", key, val, ok)
	}

	m.Store(key, "v1")
	if val, ok := m.Load(key); !ok || val != "v1" {
		t.Errorf("Load(%q) = %v, %v; want v1, true", key, val, ok)
	}

	m.Store(key, "v2")
	if val, _ := m.Load(key); val != "v2" {
		t.Errorf("Load(%q) = %v; want v2 after overwrite", key, val)
	}

	if !m.Delete(key) {
		t.Errorf("Delete(%q) = false; want true for present key", key)
	}
	if m.Has(key) {
		t.Errorf("Has(%q) = true; want false after deleting", key)
	}
	if m.Delete(key) {
		t.Errorf("Delete(%q) = true; want false for missing key", key)
	}
}

func TestMap_LoadOrStore(t *testing.T) {
	m := NewMap[int](4)

	if actual, loaded := m.LoadOrStore("a", 1); loaded || actual != 1 {
		t.Errorf("first LoadOrStore = %v, %v; want 1, false", actual, loaded)
	}
	if actual, loaded := m.LoadOrStore("a", 2); !loaded || actual != 1 {
		t.Errorf("second LoadOrStore = %v, %v; want 1, true", actual, loaded)
	}
}

func TestMap_KeysAreSorted(t *testing.T) {
	m := NewMap[int](8)
	for _, k := range []string{"c", "a", "b"} {
		m.Store(k, 0)
	}
	keys := m.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("Keys() = %v; want [a b c]", keys)
	}
}

func TestMap_Range(t *testing.T) {
	m := NewMap[int](8)
	for i := range 10 {
		m.Store(fmt.Sprintf("k%d", i), i)
	}

	sum, visited := 0, 0
	m.Range(func(_ string, v int) bool {
		sum += v
		visited++
		return true
	})
	if sum != 45 || visited != 10 {
		t.Errorf("Range visited %d entries with sum %d; want 10 and 45", visited, sum)
	}

	visited = 0
	m.Range(func(string, int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Range should stop after the callback returns false, visited %d", visited)
	}
}

func TestMap_Concurrency(t *testing.T) {
	m := NewMap[int](DefaultShards)
	var wg sync.WaitGroup
	numGoroutines := 100
	opsPerGoroutine := 100

	for i := range numGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := range opsPerGoroutine {
				key := fmt.Sprintf("key-%d-%d", g, j)
				m.Store(key, j)
				if v, ok := m.Load(key); !ok || v != j {
					t.Errorf("Load(%q) = %v, %v; want %d, true", key, v, ok, j)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := m.Count(); got != numGoroutines*opsPerGoroutine {
		t.Errorf("Count() = %d; want %d", got, numGoroutines*opsPerGoroutine)
	}
}

func TestNewMap_PanicsOnInvalidShardCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected NewMap to panic for a shard count that is not a power of two")
		}
	}()
	NewMap[int](3)
}
