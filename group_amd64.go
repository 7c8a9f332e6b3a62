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

//go:build amd64 && !nosimd

package swisstable

import (
	"unsafe"

	"github.com/dolthub/swiss/simd"
)

const simdGroups = true

func (g *ctrlGroup) metadata() *[groupWidth]int8 {
	return (*[groupWidth]int8)(unsafe.Pointer(g))
}

// match returns the lanes whose control byte equals c using a single SSE2
// compare and movemask.
func (g *ctrlGroup) match(c ctrl) bitmask {
	return bitmask(simd.MatchMetadata(g.metadata(), int8(c)))
}

func (g *ctrlGroup) matchEmptyOrDeleted() bitmask {
	m := g.metadata()
	return bitmask(simd.MatchMetadata(m, int8(ctrlEmpty)) |
		simd.MatchMetadata(m, int8(ctrlDeleted)))
}
