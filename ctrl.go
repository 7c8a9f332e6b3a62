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
	"math"
	"math/bits"
	"strings"
)

const (
	// groupWidth is the number of control bytes examined by a single group
	// match.
	groupWidth = 16

	// minGroups is the smallest number of groups a table is allocated with.
	// It is also the default size.
	minGroups = 2

	// maxGroups bounds the group count so that capacity fits in an int.
	maxGroups = math.MaxInt / groupWidth

	defaultMaxLoadFactor = 15.0 / 16.0
)

// Each slot in the table has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. Interpreted as signed 8-bit
// values:
//
//	   empty: -128  1 0 0 0 0 0 0 0
//	 deleted:   -2  1 1 1 1 1 1 1 0
//	sentinel:   -1  1 1 1 1 1 1 1 1
//	    full: 0..127 0 h h h h h h h  // h represents the H2 hash bits
//
// Empty and deleted are the only states that compare below the sentinel,
// which is what matchEmptyOrDeleted keys off.
type ctrl int8

const (
	ctrlEmpty    ctrl = -128
	ctrlDeleted  ctrl = -2
	ctrlSentinel ctrl = -1
)

func (c ctrl) isFull() bool {
	return c >= 0
}

// Extracts the H1 portion of a hash: the 57 upper bits.
func h1(h uint64) uintptr {
	return uintptr(h >> 7)
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) ctrl {
	return ctrl(h & 0x7f)
}

// bitmask has one bit per lane of a group, bit i set iff lane i matched.
type bitmask uint16

// first returns the lowest matching lane, or groupWidth if the mask is empty.
func (b bitmask) first() uintptr {
	return uintptr(bits.TrailingZeros16(uint16(b)))
}

// removeFirst clears the lowest set bit.
func (b bitmask) removeFirst() bitmask {
	return b & (b - 1)
}

func (b bitmask) String() string {
	var buf strings.Builder
	buf.Grow(groupWidth)
	for i := 0; i < groupWidth; i++ {
		if b&(1<<i) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}
