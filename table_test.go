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

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	logging "github.com/op/go-logging"
	"github.com/stretchr/testify/require"
)

type intPair = Pair[int, int]

// degenerateHashEq hashes every key to the same value, forcing every key
// onto the same probe sequence.
type degenerateHashEq struct {
	h uint64
}

func (d degenerateHashEq) Hash(int) uint64 {
	return d.h
}

func (degenerateHashEq) Equal(stored, key int) bool {
	return stored == key
}

func newIntTable(initialCapacity int, options ...Option[int, intPair]) *Table[int, intPair] {
	return NewTable[int, intPair](mapPolicy[int, int]{}, IntHashEq[int]{}, initialCapacity, options...)
}

// toBuiltinMap returns the values as a map[K]V. Useful for testing.
func toBuiltinMap[K comparable, V any](t *Table[K, Pair[K, V]]) map[K]V {
	r := make(map[K]V)
	t.All(func(p *Pair[K, V]) bool {
		r[p.Key] = p.Value
		return true
	})
	return r
}

// randElement relies on iteration order to pick an element. The choice is
// not uniformly random.
func randElement[K, V any](t *Table[K, Pair[K, V]]) (key K, ok bool) {
	if t.Len() == 0 {
		return key, false
	}
	n := rand.Intn(t.Len())
	it := t.Begin()
	for ; n > 0; n-- {
		it.Next()
	}
	return *it.Key(), true
}

// checkCtrls verifies the structural invariants of the control bytes
// regardless of the invariants build tag.
func checkCtrls[K, T any](t *testing.T, tbl *Table[K, T]) {
	s := &tbl.s
	require.EqualValues(t, ctrlSentinel, s.ctrls[s.capacity])
	require.Len(t, s.ctrls, int(s.capacity)+groupWidth)
	if s.capacity == 0 {
		require.Zero(t, tbl.elems)
		return
	}
	for i := uintptr(0); i < groupWidth-1; i++ {
		require.Equal(t, s.ctrls[i], s.ctrls[s.capacity+1+i], "clone of ctrl %d", i)
	}
	var full, deleted, empty int
	for i := uintptr(0); i < s.capacity; i++ {
		switch c := s.ctrls[i]; {
		case c == ctrlEmpty:
			empty++
		case c == ctrlDeleted:
			deleted++
		default:
			require.True(t, c.isFull(), "ctrl %d = %d", i, c)
			full++
		}
	}
	require.Equal(t, tbl.elems, full)
	require.Equal(t, tbl.deleted, deleted)
	require.NotZero(t, empty)
}

func TestProbeSeq(t *testing.T) {
	genSeq := func(n int, hash, mask uintptr) []uintptr {
		seq := makeProbeSeq(hash, mask)
		vals := make([]uintptr, n)
		for i := 0; i < n; i++ {
			vals[i] = seq.offset / groupWidth
			seq = seq.next()
		}
		return vals
	}
	genGroups := func(n uintptr) []uintptr {
		var vals []uintptr
		for i := uintptr(0); i < n; i++ {
			vals = append(vals, i)
		}
		return vals
	}

	// The Abseil probeSeq test cases, in units of groups.
	const mask = 16*groupWidth - 1
	expected := []uintptr{0, 1, 3, 6, 10, 15, 5, 12, 4, 13, 7, 2, 14, 11, 9, 8}
	require.Equal(t, expected, genSeq(16, 0, mask))
	require.Equal(t, expected, genSeq(16, 16*groupWidth, mask))

	// Verify that we touch all of the groups no matter what our start offset
	// within the group is.
	for i := uintptr(0); i < 16*groupWidth; i++ {
		vals := genSeq(16, i, mask)
		require.Equal(t, 16, len(vals))
		sort.Slice(vals, func(i, j int) bool {
			return vals[i] < vals[j]
		})
		require.Equal(t, genGroups(16), vals)
	}
}

func TestHashSplit(t *testing.T) {
	var h uint64 = 0xfedcba9876543210
	require.EqualValues(t, 0x10, h2(h))
	require.EqualValues(t, uintptr(h>>7), h1(h))
	for i := 0; i < 100; i++ {
		require.True(t, h2(rand.Uint64()).isFull())
	}
}

func TestInitialCapacity(t *testing.T) {
	testCases := []struct {
		initialCapacity  int
		expectedCapacity int
	}{
		{-1, 31},
		{0, 31},
		{1, 31},
		{29, 31},
		{30, 63},
		{59, 63},
		{60, 127},
		{959, 1023},
		{1000, 2047},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprint(c.initialCapacity), func(t *testing.T) {
			tbl := newIntTable(c.initialCapacity)
			require.EqualValues(t, c.expectedCapacity, tbl.Cap())
			require.EqualValues(t, 0, tbl.Len())
			checkCtrls(t, tbl)

			// Filling to the requested capacity must not grow.
			for i := 0; i < c.initialCapacity; i++ {
				require.True(t, tbl.Insert(intPair{i, i}).Valid())
			}
			require.EqualValues(t, c.expectedCapacity, tbl.Cap())
		})
	}
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, tbl *Table[int, intPair]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, tbl.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			require.False(t, tbl.Find(i).Valid())
			require.False(t, tbl.Contains(i))
		}

		// Insert.
		for i := 0; i < count; i++ {
			it := tbl.Insert(intPair{i, i + count})
			require.True(t, it.Valid())
			require.Equal(t, intPair{i, i + count}, *it.Value())
			e[i] = i + count
			it = tbl.Find(i)
			require.True(t, it.Valid())
			require.EqualValues(t, i+count, it.Value().Value)
			require.EqualValues(t, i+1, tbl.Len())
			require.Equal(t, e, toBuiltinMap(tbl))
		}

		// Insert never overwrites.
		for i := 0; i < count; i++ {
			require.False(t, tbl.Insert(intPair{i, i + 2*count}).Valid())
			require.EqualValues(t, i+count, tbl.Find(i).Value().Value)
			require.EqualValues(t, count, tbl.Len())
		}
		require.Equal(t, e, toBuiltinMap(tbl))

		// Erase.
		for i := 0; i < count; i++ {
			require.True(t, tbl.Erase(i))
			require.False(t, tbl.Erase(i))
			delete(e, i)
			require.EqualValues(t, count-i-1, tbl.Len())
			require.False(t, tbl.Contains(i))
			require.Equal(t, e, toBuiltinMap(tbl))
		}
		checkCtrls(t, tbl)
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newIntTable(0))
	})

	t.Run("degenerate", func(t *testing.T) {
		testDegenerate := func(t *testing.T, h uint64) {
			tbl := newIntTable(0, WithHashEq[int, intPair](degenerateHashEq{h}))
			test(t, tbl)
		}

		for _, v := range []uint64{0, ^uint64(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
		for i := 0; i < 10; i++ {
			v := rand.Uint64()
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
	})
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, tbl *Table[int, intPair]) {
		e := make(map[int]int)
		for i := 0; i < 10000; i++ {
			switch r := rand.Float64(); {
			case r < 0.5: // 50% inserts
				k, v := rand.Intn(5000), rand.Int()
				_, exists := e[k]
				require.Equal(t, !exists, tbl.Insert(intPair{k, v}).Valid())
				if !exists {
					e[k] = v
				}
			case r < 0.65: // 15% updates
				if k, ok := randElement(tbl); !ok {
					require.EqualValues(t, 0, tbl.Len(), e)
				} else {
					v := rand.Int()
					tbl.Find(k).Value().Value = v
					e[k] = v
				}
			case r < 0.80: // 15% erases
				if k, ok := randElement(tbl); !ok {
					require.EqualValues(t, 0, tbl.Len(), e)
				} else {
					require.True(t, tbl.Erase(k))
					delete(e, k)
				}
			case r < 0.95: // 15% lookups
				if k, ok := randElement(tbl); !ok {
					require.EqualValues(t, 0, tbl.Len(), e)
				} else {
					require.EqualValues(t, e[k], tbl.Find(k).Value().Value)
				}
			default: // 5% iterate
				require.Equal(t, e, toBuiltinMap(tbl))
				checkCtrls(t, tbl)
			}
			require.EqualValues(t, len(e), tbl.Len())
		}
		checkCtrls(t, tbl)
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newIntTable(0))
	})

	t.Run("degenerate", func(t *testing.T) {
		for _, v := range []uint64{0, ^uint64(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				test(t, newIntTable(0, WithHashEq[int, intPair](degenerateHashEq{v})))
			})
		}
	})
}

func TestTombstones(t *testing.T) {
	// With a degenerate hash every key shares one probe sequence, so keys
	// inserted later sit behind earlier ones.
	tbl := newIntTable(0, WithHashEq[int, intPair](degenerateHashEq{0}))
	for i := 0; i < 20; i++ {
		tbl.Insert(intPair{i, i})
	}
	require.True(t, tbl.Erase(0))
	require.EqualValues(t, ctrlDeleted, tbl.s.ctrls[0])
	require.EqualValues(t, 1, tbl.deleted)

	// Keys past the tombstone are still found.
	for i := 1; i < 20; i++ {
		require.True(t, tbl.Contains(i), i)
	}

	// Reinserting a key stored past the tombstone must not duplicate it.
	require.False(t, tbl.Insert(intPair{19, 0}).Valid())
	require.EqualValues(t, 19, tbl.Len())

	// A new key reuses the tombstone.
	require.True(t, tbl.Insert(intPair{100, 100}).Valid())
	require.EqualValues(t, 0, tbl.deleted)
	require.EqualValues(t, 100, tbl.s.slots[0].Key)
	checkCtrls(t, tbl)
}

func TestTombstoneChurn(t *testing.T) {
	// Repeated insert/erase of fresh keys must never fill the table with
	// tombstones; probes for missing keys have to keep terminating.
	tbl := newIntTable(0)
	for i := 0; i < 10000; i++ {
		require.True(t, tbl.Insert(intPair{i, i}).Valid())
		require.True(t, tbl.Erase(i))
		require.False(t, tbl.Contains(i+1))
	}
	require.EqualValues(t, 0, tbl.Len())
	require.EqualValues(t, 31, tbl.Cap())
	checkCtrls(t, tbl)
}

func TestGrowth(t *testing.T) {
	tbl := newIntTable(0)
	initial := tbl.Cap()
	for i := 0; i < 1000; i++ {
		require.True(t, tbl.Insert(intPair{i, i * 10}).Valid())
		require.LessOrEqual(t, tbl.LoadFactor(), 1.0)
	}
	for i := 0; i < 1000; i++ {
		it := tbl.Find(i)
		require.True(t, it.Valid(), i)
		require.EqualValues(t, i*10, it.Value().Value)
	}
	require.Greater(t, tbl.Cap(), initial)
	require.EqualValues(t, 1000, tbl.Len())
	checkCtrls(t, tbl)
}

func TestGrowthPreservesContents(t *testing.T) {
	tbl := newIntTable(0)
	for i := 0; i < 25; i++ {
		tbl.Insert(intPair{i, -i})
	}
	for i := 0; i < 25; i += 3 {
		tbl.Erase(i)
	}
	before := toBuiltinMap(tbl)
	capacity := tbl.Cap()

	tbl.Reserve(4 * capacity)
	require.Greater(t, tbl.Cap(), capacity)
	require.Equal(t, before, toBuiltinMap(tbl))
	require.EqualValues(t, 0, tbl.deleted)
	for k, v := range before {
		require.EqualValues(t, v, tbl.Find(k).Value().Value)
	}
	checkCtrls(t, tbl)
}

func TestReserve(t *testing.T) {
	tbl := newIntTable(0)
	tbl.Reserve(10)
	require.EqualValues(t, 31, tbl.Cap())

	tbl.Reserve(500)
	require.EqualValues(t, 1023, tbl.Cap())
	for i := 0; i < 500; i++ {
		tbl.Insert(intPair{i, i})
	}
	require.EqualValues(t, 1023, tbl.Cap())

	// Reserve never shrinks.
	tbl.Reserve(0)
	require.EqualValues(t, 1023, tbl.Cap())
	tbl.Reserve(-1)
	require.EqualValues(t, 1023, tbl.Cap())
	require.EqualValues(t, 500, tbl.Len())

	// A size no table can address panics instead of wrapping around.
	require.Panics(t, func() { tbl.Reserve(math.MaxInt) })
	require.EqualValues(t, 1023, tbl.Cap())
	require.EqualValues(t, 500, tbl.Len())
	checkCtrls(t, tbl)
}

func TestClear(t *testing.T) {
	tbl := newIntTable(0)
	for i := 0; i < 1000; i++ {
		tbl.Insert(intPair{i, i})
	}
	for i := 0; i < 100; i++ {
		tbl.Erase(i)
	}

	capacity := tbl.Cap()
	tbl.Clear()
	require.EqualValues(t, 0, tbl.Len())
	require.EqualValues(t, capacity, tbl.Cap())
	for i := 0; i < 1000; i++ {
		require.False(t, tbl.Contains(i))
	}
	tbl.All(func(*intPair) bool {
		require.Fail(t, "should not iterate")
		return true
	})
	require.False(t, tbl.Begin().Valid())
	checkCtrls(t, tbl)

	// Clearing twice is harmless and the table is reusable at the same
	// capacity.
	tbl.Clear()
	for i := 0; i < 10; i++ {
		require.True(t, tbl.Insert(intPair{i, i}).Valid())
	}
	require.EqualValues(t, capacity, tbl.Cap())
	require.EqualValues(t, 10, tbl.Len())
}

func TestMaxLoadFactor(t *testing.T) {
	tbl := newIntTable(0)
	require.Equal(t, defaultMaxLoadFactor, tbl.MaxLoadFactor())

	if invariants {
		require.Panics(t, func() { tbl.SetMaxLoadFactor(1) })
	} else {
		logs := logging.InitForTesting(logging.WARNING)
		for _, x := range []float64{0, -1, 1, 1.5} {
			tbl.SetMaxLoadFactor(x)
			require.Equal(t, defaultMaxLoadFactor, tbl.MaxLoadFactor())
		}
		var warnings int
		for n := logs.Head(); n != nil; n = n.Next() {
			require.Contains(t, n.Record.Message(), "ignoring max load factor")
			warnings++
		}
		require.Equal(t, 4, warnings)
	}

	tbl.SetMaxLoadFactor(0.5)
	require.Equal(t, 0.5, tbl.MaxLoadFactor())
	for i := 0; i < 100; i++ {
		tbl.Insert(intPair{i, i})
		// Growth happens before the insertion that would follow a crossing,
		// so the load factor overshoots by at most one element.
		require.LessOrEqual(t, float64(tbl.Len()-1)/float64(tbl.Cap()), 0.5)
	}

	// A max load factor near 1 must still leave an empty slot.
	tbl = newIntTable(0, WithMaxLoadFactor[int, intPair](0.9999))
	for i := 0; i < 31; i++ {
		tbl.Insert(intPair{i, i})
	}
	require.EqualValues(t, 63, tbl.Cap())
	require.False(t, tbl.Contains(-1))
	checkCtrls(t, tbl)
}

func TestIterate(t *testing.T) {
	tbl := newIntTable(0)
	require.False(t, tbl.Begin().Valid())
	require.False(t, tbl.End().Valid())

	for i := 0; i < 200; i++ {
		tbl.Insert(intPair{i, i})
	}
	for i := 0; i < 200; i += 2 {
		tbl.Erase(i)
	}

	seen := make(map[int]bool)
	for it := tbl.Begin(); it.Valid(); it.Next() {
		require.True(t, it.ctrls[it.i].isFull())
		require.False(t, seen[*it.Key()])
		seen[*it.Key()] = true
	}
	require.Len(t, seen, tbl.Len())
	for i := 1; i < 200; i += 2 {
		require.True(t, seen[i])
	}
}

func TestIterateMutate(t *testing.T) {
	tbl := newIntTable(0)
	for i := 0; i < 100; i++ {
		tbl.Insert(intPair{i, i})
	}
	e := toBuiltinMap(tbl)
	require.EqualValues(t, 100, tbl.Len())

	// Iterate over the table, growing it periodically. We should see all of
	// the elements that were originally in the table because the iterator
	// holds on to the ctrls and slots it started with.
	vals := make(map[int]int)
	tbl.All(func(p *intPair) bool {
		if (p.Key % 10) == 0 {
			tbl.Reserve(tbl.Cap() + 1)
		}
		vals[p.Key] = p.Value
		return true
	})
	require.EqualValues(t, e, vals)
}

func TestEraseAt(t *testing.T) {
	tbl := newIntTable(0)
	for i := 0; i < 100; i++ {
		tbl.Insert(intPair{i, i})
	}

	// Erase every odd key while iterating.
	var visited int
	for it := tbl.Begin(); it.Valid(); {
		visited++
		if *it.Key()%2 == 1 {
			it = tbl.EraseAt(it)
			continue
		}
		it.Next()
	}
	require.EqualValues(t, 100, visited)
	require.EqualValues(t, 50, tbl.Len())
	for i := 0; i < 100; i++ {
		require.Equal(t, i%2 == 0, tbl.Contains(i), i)
	}

	// Erasing everything through iterators empties the table.
	for it := tbl.Begin(); it.Valid(); {
		it = tbl.EraseAt(it)
	}
	require.EqualValues(t, 0, tbl.Len())
	checkCtrls(t, tbl)
}

func TestEmplace(t *testing.T) {
	tbl := newIntTable(0)
	calls := 0
	construct := func(p *intPair) {
		calls++
		require.Equal(t, intPair{}, *p)
		p.Key, p.Value = 7, 70
	}
	it := tbl.Emplace(7, construct)
	require.True(t, it.Valid())
	require.EqualValues(t, 70, it.Value().Value)
	require.EqualValues(t, 1, calls)

	// The duplicate is dropped without constructing anything.
	require.False(t, tbl.Emplace(7, construct).Valid())
	require.EqualValues(t, 1, calls)
	require.EqualValues(t, 1, tbl.Len())

	// A panicking construct leaves the key absent and the table usable.
	require.Panics(t, func() {
		tbl.Emplace(8, func(p *intPair) {
			p.Key, p.Value = 8, 80
			panic("construct failed")
		})
	})
	require.EqualValues(t, 1, tbl.Len())
	require.False(t, tbl.Contains(8))
	checkCtrls(t, tbl)

	it = tbl.Emplace(8, func(p *intPair) {
		require.Equal(t, intPair{}, *p)
		p.Key, p.Value = 8, 81
	})
	require.True(t, it.Valid())
	require.EqualValues(t, 81, tbl.Find(8).Value().Value)
	require.EqualValues(t, 2, tbl.Len())
}

type countingAllocator[T any] struct {
	alloc int
	free  int
}

func (a *countingAllocator[T]) AllocSlots(n int) []T {
	a.alloc++
	return make([]T, n)
}

func (a *countingAllocator[T]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (a *countingAllocator[T]) FreeSlots(_ []T) {
	a.free++
}

func (a *countingAllocator[T]) FreeControls(_ []uint8) {
}

func TestAllocator(t *testing.T) {
	a := &countingAllocator[intPair]{}
	tbl := newIntTable(0, WithAllocator[int, intPair](a))

	for i := 0; i < 100; i++ {
		tbl.Insert(intPair{i, i})
	}

	// 31 -> 63 -> 127
	const expected = 3
	require.EqualValues(t, expected, a.alloc)
	require.EqualValues(t, expected-1, a.free)

	tbl.Close()
	require.EqualValues(t, expected, a.free)
	require.EqualValues(t, 0, tbl.Len())
	require.EqualValues(t, 0, tbl.Cap())

	// Close is idempotent and the table reallocates on demand.
	tbl.Close()
	require.EqualValues(t, expected, a.free)
	require.False(t, tbl.Contains(1))
	require.False(t, tbl.Begin().Valid())
	require.True(t, tbl.Insert(intPair{1, 1}).Valid())
	require.EqualValues(t, 31, tbl.Cap())
	require.EqualValues(t, expected+1, a.alloc)
}

func TestMove(t *testing.T) {
	src := newIntTable(0)
	for i := 0; i < 50; i++ {
		src.Insert(intPair{i, i})
	}
	e := toBuiltinMap(src)
	capacity := src.Cap()

	dst := src.Move()
	require.Equal(t, e, toBuiltinMap(dst))
	require.EqualValues(t, capacity, dst.Cap())
	require.EqualValues(t, 0, src.Len())
	require.EqualValues(t, 0, src.Cap())
	require.False(t, src.Contains(1))

	// Move assignment releases the destination's previous contents.
	other := newIntTable(0)
	other.Insert(intPair{-1, -1})
	other.MoveFrom(dst)
	require.Equal(t, e, toBuiltinMap(other))
	require.False(t, other.Contains(-1))

	// The moved-from table is still usable.
	require.True(t, src.Insert(intPair{1, 2}).Valid())
	require.EqualValues(t, 2, src.Find(1).Value().Value)
	checkCtrls(t, src)
}
