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

type setPolicy[K any] struct{}

func (setPolicy[K]) Key(slot *K) *K {
	return slot
}

// Set is an unordered set of keys.
//
// A Set is NOT goroutine-safe.
type Set[K comparable] struct {
	t Table[K, K]
}

// NewSet constructs a new Set able to hold initialCapacity keys without
// growing.
func NewSet[K comparable](initialCapacity int, options ...Option[K, K]) *Set[K] {
	s := &Set[K]{}
	s.t.init(setPolicy[K]{}, newDefaultHashEq[K](), initialCapacity, options...)
	return s
}

// NewSetFrom constructs a new Set holding keys.
func NewSetFrom[K comparable](keys []K, options ...Option[K, K]) *Set[K] {
	s := NewSet[K](len(keys), options...)
	for _, k := range keys {
		s.t.Insert(k)
	}
	return s
}

// Table returns the underlying table.
func (s *Set[K]) Table() *Table[K, K] {
	return &s.t
}

// Insert adds key, reporting whether it was not already present.
func (s *Set[K]) Insert(key K) bool {
	return s.t.Insert(key).Valid()
}

// Contains reports whether key is present.
func (s *Set[K]) Contains(key K) bool {
	return s.t.Contains(key)
}

// Delete removes key, reporting whether it was present.
func (s *Set[K]) Delete(key K) bool {
	return s.t.Erase(key)
}

// All calls yield sequentially for each key in the set until yield returns
// false.
func (s *Set[K]) All(yield func(key K) bool) {
	s.t.All(func(k *K) bool {
		return yield(*k)
	})
}

// Len returns the number of keys in the set.
func (s *Set[K]) Len() int {
	return s.t.Len()
}

// Cap returns the number of slots in the set.
func (s *Set[K]) Cap() int {
	return s.t.Cap()
}

// Reserve grows the set so it can hold n keys without growing again.
func (s *Set[K]) Reserve(n int) {
	s.t.Reserve(n)
}

// Clear removes all keys, retaining the allocated capacity.
func (s *Set[K]) Clear() {
	s.t.Clear()
}

// LoadFactor returns Len()/Cap().
func (s *Set[K]) LoadFactor() float64 {
	return s.t.LoadFactor()
}

// MaxLoadFactor returns the load factor beyond which the set grows.
func (s *Set[K]) MaxLoadFactor() float64 {
	return s.t.MaxLoadFactor()
}

// SetMaxLoadFactor sets the load factor beyond which the set grows. Values
// outside (0, 1) are ignored.
func (s *Set[K]) SetMaxLoadFactor(x float64) {
	s.t.SetMaxLoadFactor(x)
}

// Move transfers the keys of s into a new Set, leaving s empty.
func (s *Set[K]) Move() *Set[K] {
	n := &Set[K]{}
	n.t.MoveFrom(&s.t)
	return n
}

// Close releases the set's memory back to its configured allocator. It is
// unnecessary to close a set using the default allocator.
func (s *Set[K]) Close() {
	s.t.Close()
}
