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

// Iterator points at a value in a Table. The zero Iterator is the end
// iterator, for which Valid returns false.
//
// An iterator holds the control bytes and slots it was created from and
// advances over them in lock-step. Any insertion that grows the table, or a
// Reserve, leaves existing iterators walking the old storage; erasing or
// inserting through anything other than EraseAt on the iterator itself may
// or may not be observed. Keeping iterators consistent with mutations is the
// caller's responsibility.
type Iterator[K, T any] struct {
	t     *Table[K, T]
	ctrls []ctrl
	slots []T
	i     uintptr
}

// Begin returns an iterator at the first value of the table, or the end
// iterator if the table is empty.
func (t *Table[K, T]) Begin() Iterator[K, T] {
	it := t.iteratorAt(0)
	it.skipEmptyOrDeleted()
	return it
}

// End returns the end iterator.
func (t *Table[K, T]) End() Iterator[K, T] {
	return Iterator[K, T]{}
}

// Valid returns false for the end iterator.
func (it Iterator[K, T]) Valid() bool {
	return it.ctrls != nil
}

// Value returns a pointer to the value the iterator points at. The value's
// key must not be modified through it. Calling Value on the end iterator
// panics.
func (it Iterator[K, T]) Value() *T {
	if invariants && !it.Valid() {
		panic("invariant failed: Value called on end iterator")
	}
	return &it.slots[it.i]
}

// Key returns a pointer to the key of the value the iterator points at.
func (it Iterator[K, T]) Key() *K {
	return it.t.policy.Key(it.Value())
}

// Next advances the iterator to the next value, or to the end.
func (it *Iterator[K, T]) Next() {
	if invariants && !it.Valid() {
		panic("invariant failed: Next called on end iterator")
	}
	it.i++
	it.skipEmptyOrDeleted()
}

// skipEmptyOrDeleted moves forward over a run of empty and deleted control
// bytes, a group at a time, stopping on a full byte or on the sentinel. At
// the sentinel the iterator becomes the end iterator.
func (it *Iterator[K, T]) skipEmptyOrDeleted() {
	for it.ctrls[it.i] < ctrlSentinel {
		it.i += loadGroup(it.ctrls, it.i).countLeadingEmptyOrDeleted()
	}
	if it.ctrls[it.i] == ctrlSentinel {
		*it = Iterator[K, T]{}
	}
}
