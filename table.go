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

// Package swisstable is an open-addressing hash table engine in the style of
// Abseil's Swiss tables (https://abseil.io/about/design/swisstables), with a
// Map and a Set built on top of it.
//
// # Layout
//
// A Table has capacity = groups*16 - 1 slots, where groups is a power of two
// no smaller than 2. Alongside the slots is an array of capacity+16 control
// bytes, one per slot plus a sentinel at index capacity and a clone of the
// first 15 control bytes after it. The clone lets a 16-byte group load issued
// anywhere in [0, capacity] observe the wrapped state without branching.
//
// Each control byte is either empty, deleted (a tombstone), the sentinel, or
// the 7-bit H2 tag of the hash of the key stored in the slot. Lookups split
// hash(key) into H1, which picks where the probe sequence starts, and H2,
// which filters candidates within each probed group before the full equality
// check. On amd64 groups are matched with SSE2; elsewhere, or with the nosimd
// build tag, a portable byte loop is used.
//
// # Probing and deletion
//
// Probing walks groups in a triangular sequence (see probeSeq) until it finds
// the key or a group containing an empty control byte. An insertion always
// places a key in the first group on its probe sequence that has room, so an
// empty byte proves the key is not further along. Deletion therefore can never
// write an empty byte; it writes a tombstone, which probes step over and
// insertions reuse.
//
// # Policies and hashing
//
// The engine stores values of type T and extracts their key of type K through
// a Policy. Hashing and equality come from a HashEq, and lookups may use a
// HashEq[K, L] for a different key type L (see FindAs).
//
// A Table is NOT goroutine-safe.
package swisstable

import (
	"fmt"
	"strings"
)

// Policy extracts the key from a stored value. Map stores Pair[K,V] and
// returns &Pair.Key; Set stores K and returns the value itself.
type Policy[K, T any] interface {
	Key(slot *T) *K
}

// noCopy may be embedded into structs which must not be copied after first
// use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// storage is the backing store of a table: the control bytes and the slots
// they describe. A slot holds a live value iff its control byte is full;
// every other slot holds the zero T.
type storage[T any] struct {
	// ctrls is capacity+groupWidth in length. ctrls[capacity] is always
	// ctrlSentinel. ctrls[capacity+1:] mirrors ctrls[:groupWidth-1].
	ctrls []ctrl
	// slots is capacity in length.
	slots []T
	// The total number slots (always 16*2^N-1). The capacity is used as a
	// mask to quickly compute i%(capacity+1).
	capacity uintptr
}

// emptyCtrls backs tables that have not allocated (zero capacity). It is
// never written. Probes see the sentinel followed by empty bytes and
// terminate; iteration sees the sentinel at index 0.
var emptyCtrls = func() []ctrl {
	v := make([]ctrl, groupWidth)
	for i := range v {
		v[i] = ctrlEmpty
	}
	v[0] = ctrlSentinel
	return v
}()

func makeStorage[T any](allocator Allocator[T], groups uintptr) storage[T] {
	capacity := groups*groupWidth - 1
	s := storage[T]{
		ctrls:    unsafeConvertSlice[ctrl](allocator.AllocControls(int(capacity + groupWidth))),
		slots:    allocator.AllocSlots(int(capacity)),
		capacity: capacity,
	}
	s.reset()
	return s
}

func (s *storage[T]) group(offset uintptr) *ctrlGroup {
	return loadGroup(s.ctrls, offset)
}

// reset marks every slot empty and restores the sentinel. It does not touch
// slots.
func (s *storage[T]) reset() {
	for i := range s.ctrls {
		s.ctrls[i] = ctrlEmpty
	}
	s.ctrls[s.capacity] = ctrlSentinel
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupWidth-1.
func (s *storage[T]) setCtrl(i uintptr, v ctrl) {
	s.ctrls[i] = v
	// Mirror unconditionally, which is faster than a comparison. The index is
	// the identity for slots in the range [groupWidth-1,capacity).
	s.ctrls[((i-(groupWidth-1))&s.capacity)+(groupWidth-1)] = v
}

// uncheckedInsert places v, known not to be present, in the first empty or
// deleted slot along its probe sequence.
func (s *storage[T]) uncheckedInsert(hash uint64, v *T) {
	for seq := makeProbeSeq(h1(hash), s.capacity); ; seq = seq.next() {
		if d := s.group(seq.offset).firstEmptyOrDeletedDistance(); d < groupWidth {
			i := seq.offsetAt(d)
			s.slots[i] = *v
			s.setCtrl(i, h2(hash))
			return
		}
	}
}

// release hands the storage back to allocator. Slots are not cleared, so an
// iteration that began before a resize keeps seeing its values.
func (s *storage[T]) release(allocator Allocator[T]) {
	if s.capacity == 0 {
		return
	}
	allocator.FreeSlots(s.slots)
	allocator.FreeControls(unsafeConvertSlice[uint8](s.ctrls))
	*s = storage[T]{ctrls: emptyCtrls}
}

// Table is an unordered set of values of type T, each identified by a key of
// type K extracted by a Policy. Inserting never overwrites: a value whose key
// is already present is discarded.
//
// A Table owns its storage and must not be copied; use Move to transfer it.
type Table[K, T any] struct {
	_ noCopy

	policy    Policy[K, T]
	hasher    HashEq[K, K]
	allocator Allocator[T]
	s         storage[T]
	// The number of full slots.
	elems int
	// The number of tombstones. Tombstones are counted against the load
	// factor when deciding to rehash, as otherwise a table filled with
	// tombstones would have no empty slots left to terminate probes.
	deleted       int
	maxLoadFactor float64
}

// NewTable constructs a Table able to hold initialCapacity values without
// growing. If initialCapacity is 0 the table starts with the default of two
// groups. The zero value for a Table is not usable.
func NewTable[K, T any](
	policy Policy[K, T], hasher HashEq[K, K], initialCapacity int, options ...Option[K, T],
) *Table[K, T] {
	t := &Table[K, T]{}
	t.init(policy, hasher, initialCapacity, options...)
	return t
}

func (t *Table[K, T]) init(
	policy Policy[K, T], hasher HashEq[K, K], initialCapacity int, options ...Option[K, T],
) {
	t.policy = policy
	t.hasher = hasher
	t.allocator = defaultAllocator[T]{}
	t.maxLoadFactor = defaultMaxLoadFactor
	t.s = storage[T]{ctrls: emptyCtrls}

	for _, op := range options {
		op.apply(t)
	}

	t.s = makeStorage(t.allocator, t.groupsFor(initialCapacity))
	t.checkInvariants()
}

// Find returns an iterator at the value with the specified key, or the end
// iterator if there is none.
func (t *Table[K, T]) Find(key K) Iterator[K, T] {
	return FindAs[K, T, K](t, t.hasher, key)
}

// Contains reports whether a value with the specified key is present.
func (t *Table[K, T]) Contains(key K) bool {
	_, ok := find[K, T, K](t, t.hasher, key)
	return ok
}

// FindAs is Find using a lookup key of a type other than K. hasher must hash
// a lookup key equal to a stored key the same as the table's own HashEq.
func FindAs[K, T, L any](t *Table[K, T], hasher HashEq[K, L], key L) Iterator[K, T] {
	if i, ok := find(t, hasher, key); ok {
		return t.iteratorAt(i)
	}
	return Iterator[K, T]{}
}

// ContainsAs is Contains using a lookup key of a type other than K.
func ContainsAs[K, T, L any](t *Table[K, T], hasher HashEq[K, L], key L) bool {
	_, ok := find(t, hasher, key)
	return ok
}

// EraseAs is Erase using a lookup key of a type other than K.
func EraseAs[K, T, L any](t *Table[K, T], hasher HashEq[K, L], key L) bool {
	i, ok := find(t, hasher, key)
	if ok {
		t.eraseAt(i)
		t.checkInvariants()
	}
	return ok
}

// find returns the slot index holding key.
//
// The probe sequence visits every group in some order. In each group the
// lanes whose control byte equals h2(hash) are candidates and get a full
// Equal check. The h2 bits make a false candidate unlikely (about 1 in 128
// per occupied slot examined). Tombstones never match and never stop the
// probe; a group with an empty byte does.
func find[K, T, L any](t *Table[K, T], hasher HashEq[K, L], key L) (uintptr, bool) {
	h := hasher.Hash(key)
	tag := h2(h)
	seq := makeProbeSeq(h1(h), t.s.capacity)
	if debug {
		log.Debugf("find(%v): %s", key, seq)
	}

	for ; ; seq = seq.next() {
		g := t.s.group(seq.offset)
		for match := g.match(tag); match != 0; match = match.removeFirst() {
			i := seq.offsetAt(match.first())
			if hasher.Equal(*t.policy.Key(&t.s.slots[i]), key) {
				return i, true
			}
		}
		if g.matchEmpty() != 0 {
			if debug {
				log.Debugf("find(not-found): offset=%d [% 02x]", seq.offset, g[:])
			}
			return 0, false
		}
	}
}

// Insert inserts v and returns an iterator at it. If a value with the same
// key is already present, v is discarded, the table is left unchanged and the
// end iterator is returned: Insert never overwrites. Use Find first to reach
// the existing value.
func (t *Table[K, T]) Insert(v T) Iterator[K, T] {
	i, tag, inserted := t.prepareInsert(t.policy.Key(&v))
	if !inserted {
		return Iterator[K, T]{}
	}
	t.s.slots[i] = v
	t.claim(i, tag)
	t.checkInvariants()
	return t.iteratorAt(i)
}

// Emplace inserts a value for key, built in place by construct, and returns
// an iterator at it. construct receives a zeroed slot and must leave it
// holding a value whose key equals key. If key is already present construct
// is not called and the end iterator is returned. The slot is only marked
// full once construct returns, so a panicking construct leaves key absent.
func (t *Table[K, T]) Emplace(key K, construct func(slot *T)) Iterator[K, T] {
	i, tag, inserted := t.prepareInsert(&key)
	if !inserted {
		return Iterator[K, T]{}
	}
	slot := &t.s.slots[i]
	var zero T
	*slot = zero
	construct(slot)
	if invariants && !t.hasher.Equal(*t.policy.Key(slot), key) {
		panic(fmt.Sprintf("invariant failed: emplaced key %v constructed with key %v",
			key, *t.policy.Key(slot)))
	}
	t.claim(i, tag)
	t.checkInvariants()
	return t.iteratorAt(i)
}

// prepareInsert finds the slot key should be inserted at, returning its
// index, the control byte to claim it with and true. The caller fills the
// slot and then calls claim. If key is already present its slot index and
// false are returned.
//
// The table is grown first if it is over its max load factor. Unlike find,
// the probe remembers the first empty or deleted slot it passes, but it keeps
// going until a group with an empty byte: a tombstone on the probe path does
// not prove the key is absent further along.
func (t *Table[K, T]) prepareInsert(key *K) (uintptr, ctrl, bool) {
	t.maybeGrow()

	h := t.hasher.Hash(*key)
	tag := h2(h)
	seq := makeProbeSeq(h1(h), t.s.capacity)
	if debug {
		log.Debugf("insert(%v): %s", *key, seq)
	}

	var target uintptr
	haveTarget := false
	for ; ; seq = seq.next() {
		g := t.s.group(seq.offset)
		for match := g.match(tag); match != 0; match = match.removeFirst() {
			i := seq.offsetAt(match.first())
			if t.hasher.Equal(*t.policy.Key(&t.s.slots[i]), *key) {
				if debug {
					log.Debugf("insert(exists): index=%d key=%v", i, *key)
				}
				return i, tag, false
			}
		}
		if !haveTarget {
			if d := g.firstEmptyOrDeletedDistance(); d < groupWidth {
				target, haveTarget = seq.offsetAt(d), true
			}
		}
		if g.matchEmpty() != 0 {
			break
		}
	}

	return target, tag, true
}

// claim marks slot i, filled by the caller, as full.
func (t *Table[K, T]) claim(i uintptr, tag ctrl) {
	if t.s.ctrls[i] == ctrlDeleted {
		t.deleted--
	}
	t.s.setCtrl(i, tag)
	t.elems++
	if debug {
		log.Debugf("insert(inserting): index=%d elems=%d deleted=%d", i, t.elems, t.deleted)
	}
}

// maybeGrow grows or rehashes the table ahead of an insertion. Beyond the max
// load factor check, it guarantees that after the insertion at least one slot
// is still empty, which is what makes every probe terminate.
func (t *Table[K, T]) maybeGrow() {
	capacity := int(t.s.capacity)
	used := t.elems + t.deleted
	switch {
	case capacity == 0:
		t.resize(t.groupsFor(0))

	case t.LoadFactor() > t.maxLoadFactor || t.elems+1 >= capacity:
		t.resize(2 * t.groups())

	case used+1 >= capacity || float64(used)/float64(capacity) > t.maxLoadFactor:
		// The table is crowded with tombstones. Rehash at the same size if that
		// recovers at least a third of the capacity; otherwise the live
		// elements are close enough to the limit that doubling is better.
		if 3*t.deleted >= capacity {
			t.resize(t.groups())
		} else {
			t.resize(2 * t.groups())
		}
	}
}

// Erase removes the value with the specified key, returning whether one was
// present.
func (t *Table[K, T]) Erase(key K) bool {
	return EraseAs[K, T, K](t, t.hasher, key)
}

// EraseAt removes the value it points at and returns an iterator advanced to
// the next value. it must be a valid iterator obtained from t since its last
// growth. Other iterators remain usable only if they do not point at the
// erased slot.
func (t *Table[K, T]) EraseAt(it Iterator[K, T]) Iterator[K, T] {
	if invariants && (it.t != t || !it.Valid() || &it.ctrls[0] != &t.s.ctrls[0] ||
		!it.ctrls[it.i].isFull()) {
		panic("invariant failed: EraseAt called with an invalid iterator")
	}
	t.eraseAt(it.i)
	t.checkInvariants()
	it.Next()
	return it
}

func (t *Table[K, T]) eraseAt(i uintptr) {
	var zero T
	t.s.slots[i] = zero
	t.s.setCtrl(i, ctrlDeleted)
	t.elems--
	t.deleted++
	if debug {
		log.Debugf("erase: index=%d elems=%d deleted=%d", i, t.elems, t.deleted)
	}
}

// Reserve grows the table, if needed, so that it can hold n values without
// crossing its max load factor. Reserve never shrinks the table.
func (t *Table[K, T]) Reserve(n int) {
	if groups := t.groupsFor(n); groups > t.groups() {
		t.resize(groups)
	}
}

// Clear removes all values, retaining the allocated capacity.
func (t *Table[K, T]) Clear() {
	if t.s.capacity == 0 {
		return
	}
	clear(t.s.slots)
	t.s.reset()
	t.elems = 0
	t.deleted = 0
	t.checkInvariants()
}

// Len returns the number of values in the table.
func (t *Table[K, T]) Len() int {
	return t.elems
}

// Cap returns the number of slots in the table.
func (t *Table[K, T]) Cap() int {
	return int(t.s.capacity)
}

// LoadFactor returns Len()/Cap().
func (t *Table[K, T]) LoadFactor() float64 {
	if t.s.capacity == 0 {
		return 0
	}
	return float64(t.elems) / float64(t.s.capacity)
}

// MaxLoadFactor returns the load factor beyond which the table grows.
func (t *Table[K, T]) MaxLoadFactor() float64 {
	return t.maxLoadFactor
}

// SetMaxLoadFactor sets the load factor beyond which the table grows. Values
// outside (0, 1) are ignored.
func (t *Table[K, T]) SetMaxLoadFactor(x float64) {
	if !(x > 0 && x < 1) {
		if invariants {
			panic(fmt.Sprintf("invariant failed: max load factor %v not in (0, 1)", x))
		}
		log.Warningf("ignoring max load factor %v not in (0, 1)", x)
		return
	}
	t.maxLoadFactor = x
}

// All calls yield sequentially for each value present in the table. If yield
// returns false, iteration stops. The table may be mutated during iteration;
// iteration continues over the storage as it was when All was called.
func (t *Table[K, T]) All(yield func(v *T) bool) {
	for it := t.Begin(); it.Valid(); it.Next() {
		if !yield(it.Value()) {
			return
		}
	}
}

// Move transfers the contents of t into a new Table, leaving t empty with no
// allocated storage.
func (t *Table[K, T]) Move() *Table[K, T] {
	n := &Table[K, T]{}
	n.MoveFrom(t)
	return n
}

// MoveFrom releases t's storage and takes over src's storage and
// configuration. src is left empty with no allocated storage; inserting into
// it allocates the default capacity again.
func (t *Table[K, T]) MoveFrom(src *Table[K, T]) {
	if t == src {
		return
	}
	if t.allocator != nil {
		clear(t.s.slots)
		t.s.release(t.allocator)
	}
	t.policy = src.policy
	t.hasher = src.hasher
	t.allocator = src.allocator
	t.maxLoadFactor = src.maxLoadFactor
	t.s = src.s
	t.elems = src.elems
	t.deleted = src.deleted

	src.s = storage[T]{ctrls: emptyCtrls}
	src.elems = 0
	src.deleted = 0
}

// Close releases the table's storage back to its allocator. It is
// unnecessary to close a table using the default allocator. Iterators into
// the table must not be used afterwards. A closed table is empty and
// allocates again on the next insertion; Close itself is idempotent.
func (t *Table[K, T]) Close() {
	clear(t.s.slots)
	t.s.release(t.allocator)
	t.elems = 0
	t.deleted = 0
}

func (t *Table[K, T]) groups() uintptr {
	return (t.s.capacity + 1) / groupWidth
}

// groupsFor returns the smallest power of two number of groups whose capacity
// holds n values without crossing the max load factor. n <= 0 asks for the
// default size. It panics if no addressable table can hold n values.
func (t *Table[K, T]) groupsFor(n int) uintptr {
	if n <= 0 {
		return minGroups
	}
	groups := uintptr(minGroups)
	for {
		capacity := groups*groupWidth - 1
		if uintptr(n) < capacity && float64(n) <= float64(capacity)*t.maxLoadFactor {
			return groups
		}
		if groups > maxGroups/2 {
			panic(fmt.Sprintf("swisstable: capacity for %d values overflows", n))
		}
		groups <<= 1
	}
}

// resize allocates storage with the specified number of groups and
// reinserts every value into it, which also drops all tombstones. The new
// storage replaces the old one only once it is fully populated.
func (t *Table[K, T]) resize(groups uintptr) {
	if groups < minGroups {
		groups = minGroups
	}
	old := t.s
	s := makeStorage(t.allocator, groups)
	if debug {
		log.Debugf("resize: capacity=%d->%d elems=%d deleted=%d",
			old.capacity, s.capacity, t.elems, t.deleted)
	}

	for i := uintptr(0); i < old.capacity; i++ {
		if !old.ctrls[i].isFull() {
			continue
		}
		slot := &old.slots[i]
		s.uncheckedInsert(t.hasher.Hash(*t.policy.Key(slot)), slot)
	}

	t.s = s
	t.deleted = 0
	old.release(t.allocator)
	t.checkInvariants()
}

func (t *Table[K, T]) iteratorAt(i uintptr) Iterator[K, T] {
	return Iterator[K, T]{t: t, ctrls: t.s.ctrls, slots: t.s.slots, i: i}
}

func (t *Table[K, T]) checkInvariants() {
	if invariants {
		s := &t.s
		if s.capacity > 0 {
			if groups := t.groups(); groups < minGroups || groups&(groups-1) != 0 ||
				groups*groupWidth-1 != s.capacity {
				panic(fmt.Sprintf("invariant failed: capacity %d is not 16*2^N-1\n%s",
					s.capacity, t.debugString()))
			}
			// Verify the cloned control bytes are good.
			for i := uintptr(0); i < groupWidth-1; i++ {
				j := s.capacity + 1 + i
				if ci, cj := s.ctrls[i], s.ctrls[j]; ci != cj {
					panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
						i, uint8(ci), j, uint8(cj), t.debugString()))
				}
			}
		}
		// Verify the sentinel is good.
		if c := s.ctrls[s.capacity]; c != ctrlSentinel {
			panic(fmt.Sprintf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
				s.capacity, uint8(c), t.debugString()))
		}

		// For every full slot, verify we can retrieve the value using find and
		// that its tag matches. Count the number of full, deleted and empty
		// slots.
		var full, deleted, empty int
		for i := uintptr(0); i < s.capacity; i++ {
			switch c := s.ctrls[i]; {
			case c == ctrlDeleted:
				deleted++
			case c == ctrlEmpty:
				empty++
			case c == ctrlSentinel:
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected sentinel\n%s", i, t.debugString()))
			default:
				key := *t.policy.Key(&s.slots[i])
				h := t.hasher.Hash(key)
				if c != h2(h) {
					panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != h2=%02x\n%s",
						i, uint8(c), uint8(h2(h)), t.debugString()))
				}
				if j, ok := find[K, T, K](t, t.hasher, key); !ok || j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [h2=%02x h1=%07x]\n%s",
						i, key, uint8(h2(h)), h1(h), t.debugString()))
				}
				full++
			}
		}

		if full != t.elems {
			panic(fmt.Sprintf("invariant failed: found %d full slots, but elems is %d\n%s",
				full, t.elems, t.debugString()))
		}
		if deleted != t.deleted {
			panic(fmt.Sprintf("invariant failed: found %d deleted slots, but deleted is %d\n%s",
				deleted, t.deleted, t.debugString()))
		}
		if s.capacity > 0 && empty == 0 {
			panic(fmt.Sprintf("invariant failed: no empty slots\n%s", t.debugString()))
		}
	}
}

func (t *Table[K, T]) debugString() string {
	s := &t.s
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  elems=%d  deleted=%d\n", s.capacity, t.elems, t.deleted)
	for i := uintptr(0); i < uintptr(len(s.ctrls)); i++ {
		switch c := s.ctrls[i]; c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case ctrlSentinel:
			fmt.Fprintf(&buf, "  %4d: sentinel\n", i)
		default:
			if i < s.capacity {
				key := *t.policy.Key(&s.slots[i])
				fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n",
					i, key, uint8(c), uint8(h2(t.hasher.Hash(key))))
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, uint8(c))
			}
		}
	}
	return buf.String()
}
