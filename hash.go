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
	"unsafe"

	"github.com/dolthub/maphash"
	"github.com/spaolacci/murmur3"
	"golang.org/x/exp/constraints"
)

// HashEq hashes lookup keys of type L and compares them against stored keys
// of type K. L may differ from K (heterogeneous lookup), for instance a
// []byte probing a table keyed by string. The only requirements are that a
// lookup key and a stored key which compare equal hash to the same value, and
// that Hash is consistent with the table's own HashEq[K, K].
type HashEq[K, L any] interface {
	Hash(key L) uint64
	Equal(stored K, key L) bool
}

// defaultHashEq uses the same hash function as Go's builtin map[K]V.
type defaultHashEq[K comparable] struct {
	h maphash.Hasher[K]
}

func newDefaultHashEq[K comparable]() defaultHashEq[K] {
	return defaultHashEq[K]{h: maphash.NewHasher[K]()}
}

func (d defaultHashEq[K]) Hash(key K) uint64 {
	return d.h.Hash(key)
}

func (defaultHashEq[K]) Equal(stored, key K) bool {
	return stored == key
}

// IntHashEq hashes integers with the Murmur3 64-bit finalizer.
type IntHashEq[I constraints.Integer] struct{}

func (IntHashEq[I]) Hash(key I) uint64 {
	return mix64(uint64(key))
}

func (IntHashEq[I]) Equal(stored, key I) bool {
	return stored == key
}

// StringHashEq hashes strings with Murmur3. It is compatible with
// BytesHashEq, so a table configured with StringHashEq can be probed with
// []byte keys without converting them to strings.
type StringHashEq struct{}

func (StringHashEq) Hash(key string) uint64 {
	return HashString(key)
}

func (StringHashEq) Equal(stored, key string) bool {
	return stored == key
}

// BytesHashEq looks up []byte keys in a string keyed table.
type BytesHashEq struct{}

func (BytesHashEq) Hash(key []byte) uint64 {
	return HashBytes(key)
}

func (BytesHashEq) Equal(stored string, key []byte) bool {
	return stored == string(key)
}

// HashBytes returns the Murmur3 hash of b.
func HashBytes(b []byte) uint64 {
	return murmur3.Sum64(b)
}

// HashString returns the Murmur3 hash of s. HashString(s) ==
// HashBytes([]byte(s)).
func HashString(s string) uint64 {
	// murmur3 only reads the slice.
	return murmur3.Sum64(unsafe.Slice(unsafe.StringData(s), len(s)))
}

// mix64 is the Murmur3 fmix64 finalizer. It is a bijection, so distinct
// integers never collide before the h1/h2 split.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
