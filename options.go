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

import "unsafe"

// Option configures a Table[K,T] while it is being created. Map[K,V] takes
// Option[K, Pair[K,V]] and Set[K] takes Option[K, K].
type Option[K, T any] interface {
	apply(t *Table[K, T])
}

type hashEqOption[K, T any] struct {
	hasher HashEq[K, K]
}

func (op hashEqOption[K, T]) apply(t *Table[K, T]) {
	t.hasher = op.hasher
}

// WithHashEq is an option to specify the hash and equality functions used for
// stored keys. Heterogeneous lookups through FindAs and friends must use a
// HashEq that hashes equal keys identically to this one.
func WithHashEq[K, T any](hasher HashEq[K, K]) Option[K, T] {
	return hashEqOption[K, T]{hasher}
}

type maxLoadFactorOption[K, T any] struct {
	maxLoadFactor float64
}

func (op maxLoadFactorOption[K, T]) apply(t *Table[K, T]) {
	t.SetMaxLoadFactor(op.maxLoadFactor)
}

// WithMaxLoadFactor is an option to specify the load factor in (0, 1) beyond
// which an insertion first grows the table. Values outside that range are
// ignored.
func WithMaxLoadFactor[K, T any](maxLoadFactor float64) Option[K, T] {
	return maxLoadFactorOption[K, T]{maxLoadFactor}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Table. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Table.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator[T any] interface {
	// AllocSlots should return a slice equivalent to make([]T, n).
	AllocSlots(n int) []T

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) []uint8

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots. Slots
	// freed by a resize still hold the values that were moved out of them.
	FreeSlots(v []T)

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) AllocSlots(n int) []T {
	return make([]T, n)
}

func (defaultAllocator[T]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[T]) FreeSlots(v []T) {
}

func (defaultAllocator[T]) FreeControls(v []uint8) {
}

type allocatorOption[K, T any] struct {
	allocator Allocator[T]
}

func (op allocatorOption[K, T]) apply(t *Table[K, T]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a
// Table[K,T].
func WithAllocator[K, T any](allocator Allocator[T]) Option[K, T] {
	return allocatorOption[K, T]{allocator}
}

//go:nocheckptr
func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
