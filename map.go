// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package swisstable

// Pair holds a key and value.
type Pair[K, V any] struct {
	Key   K
	Value V
}

type mapPolicy[K, V any] struct{}

func (mapPolicy[K, V]) Key(slot *Pair[K, V]) *K {
	return &slot.Key
}

// Map is an unordered map from keys to values. By default, a Map[K,V] uses
// the same hash function as Go's builtin map[K]V, though a different one can
// be specified using the WithHashEq option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	t Table[K, Pair[K, V]]
}

// NewMap constructs a new Map able to hold initialCapacity entries without
// growing. The zero value for a Map is not usable.
func NewMap[K comparable, V any](initialCapacity int, options ...Option[K, Pair[K, V]]) *Map[K, V] {
	m := &Map[K, V]{}
	m.t.init(mapPolicy[K, V]{}, newDefaultHashEq[K](), initialCapacity, options...)
	return m
}

// NewMapFrom constructs a new Map holding pairs. If a key appears more than
// once the first pair wins.
func NewMapFrom[K comparable, V any](pairs []Pair[K, V], options ...Option[K, Pair[K, V]]) *Map[K, V] {
	m := NewMap[K, V](len(pairs), options...)
	for _, p := range pairs {
		m.t.Insert(p)
	}
	return m
}

// Table returns the underlying table, for iterator based access and
// heterogeneous lookups.
func (m *Map[K, V]) Table() *Table[K, Pair[K, V]] {
	return &m.t
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if it := m.t.Find(key); it.Valid() {
		return it.Value().Value, true
	}
	return value, false
}

// GetAs is Get using a lookup key of a type other than K.
func GetAs[K comparable, V, L any](m *Map[K, V], hasher HashEq[K, L], key L) (value V, ok bool) {
	if it := FindAs(&m.t, hasher, key); it.Valid() {
		return it.Value().Value, true
	}
	return value, false
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	return m.t.Contains(key)
}

// Insert adds an entry if key is not present and reports whether it did. An
// existing entry is never overwritten; see Put.
func (m *Map[K, V]) Insert(key K, value V) bool {
	return m.t.Insert(Pair[K, V]{Key: key, Value: value}).Valid()
}

// Index returns a pointer to the value for key, inserting the zero value
// first if key is not present. The pointer is invalidated by the next
// insertion that grows the map.
func (m *Map[K, V]) Index(key K) *V {
	if it := m.t.Find(key); it.Valid() {
		return &it.Value().Value
	}
	it := m.t.Emplace(key, func(slot *Pair[K, V]) {
		slot.Key = key
	})
	return &it.Value().Value
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	*m.Index(key) = value
}

// Delete deletes the entry corresponding to the specified key from the map,
// reporting whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	return m.t.Erase(key)
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The map can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	m.t.All(func(p *Pair[K, V]) bool {
		return yield(p.Key, p.Value)
	})
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.t.Len()
}

// Cap returns the number of slots in the map.
func (m *Map[K, V]) Cap() int {
	return m.t.Cap()
}

// Reserve grows the map so it can hold n entries without growing again.
func (m *Map[K, V]) Reserve(n int) {
	m.t.Reserve(n)
}

// Clear removes all entries, retaining the allocated capacity.
func (m *Map[K, V]) Clear() {
	m.t.Clear()
}

// LoadFactor returns Len()/Cap().
func (m *Map[K, V]) LoadFactor() float64 {
	return m.t.LoadFactor()
}

// MaxLoadFactor returns the load factor beyond which the map grows.
func (m *Map[K, V]) MaxLoadFactor() float64 {
	return m.t.MaxLoadFactor()
}

// SetMaxLoadFactor sets the load factor beyond which the map grows. Values
// outside (0, 1) are ignored.
func (m *Map[K, V]) SetMaxLoadFactor(x float64) {
	m.t.SetMaxLoadFactor(x)
}

// Move transfers the entries of m into a new Map, leaving m empty.
func (m *Map[K, V]) Move() *Map[K, V] {
	n := &Map[K, V]{}
	n.t.MoveFrom(&m.t)
	return n
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
func (m *Map[K, V]) Close() {
	m.t.Close()
}
