package util

import "sync"

// GenericMap is a concurrency-safe map with typed keys and values.
type GenericMap[K comparable, V any] struct {
	m sync.Map
}

// NewGenericMap creates a new instance of GenericMap.
func NewGenericMap[K comparable, V any]() *GenericMap[K, V] {
	return &GenericMap[K, V]{}
}

// Load returns the value stored for key. The ok result indicates whether a
// value was present.
func (m *GenericMap[K, V]) Load(key K) (value V, ok bool) {
	v, loaded := m.m.Load(key)
	if !loaded {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *GenericMap[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present, otherwise
// it stores and returns the given value. loaded is true if the value was
// already present.
func (m *GenericMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// LoadAndDelete deletes the value for a key, returning the previous value if
// any.
func (m *GenericMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Delete deletes the value for a key.
func (m *GenericMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Range calls f sequentially for each key and value in the map. If f returns
// false, iteration stops.
func (m *GenericMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
