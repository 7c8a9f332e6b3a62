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

import "math/bits"

// ctrlGroup is a window of groupWidth control bytes starting at an arbitrary
// (not necessarily aligned) offset in the control array. Groups near the end
// of the array read into the cloned bytes, which is why the control array is
// groupWidth-1 bytes longer than capacity+1.
//
// The match methods (match, matchEmptyOrDeleted) are provided by either
// group_amd64.go or group_generic.go depending on the build. The portable
// versions below are always compiled so they can be checked against the
// vectorized ones.
type ctrlGroup [groupWidth]ctrl

func loadGroup(ctrls []ctrl, offset uintptr) *ctrlGroup {
	return (*ctrlGroup)(ctrls[offset : offset+groupWidth])
}

// matchEmpty returns the lanes holding ctrlEmpty. A probe that sees one of
// these can stop: no key was ever pushed past this group.
func (g *ctrlGroup) matchEmpty() bitmask {
	return g.match(ctrlEmpty)
}

// firstEmptyOrDeletedDistance returns the lane of the first empty or deleted
// control byte in the group, or groupWidth if there is none.
func (g *ctrlGroup) firstEmptyOrDeletedDistance() uintptr {
	return g.matchEmptyOrDeleted().first()
}

// countLeadingEmptyOrDeleted returns how many lanes, starting at lane 0, are
// empty or deleted before the first full or sentinel byte.
func (g *ctrlGroup) countLeadingEmptyOrDeleted() uintptr {
	return uintptr(bits.TrailingZeros16(^uint16(g.matchEmptyOrDeleted())))
}

func (g *ctrlGroup) matchPortable(c ctrl) bitmask {
	var b bitmask
	for i, v := range g {
		if v == c {
			b |= 1 << i
		}
	}
	return b
}

func (g *ctrlGroup) matchEmptyOrDeletedPortable() bitmask {
	var b bitmask
	for i, v := range g {
		if v < ctrlSentinel {
			b |= 1 << i
		}
	}
	return b
}
