// Copyright 2026 The gVisor Authors.
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

package physmem

import (
	"math"
	"math/bits"
)

// frames is a bitmap of allocated page frames in a pool. A set bit means the
// frame is in use.
type frames struct {
	// used is the number of set bits.
	used uint32

	// n is the number of frames tracked.
	n uint32

	words []uint64
}

func newFrames(n uint32) frames {
	return frames{n: n, words: make([]uint64, (n+63)/64)}
}

// firstZero returns the first clear bit at or after start, or n if there is
// none.
func (f *frames) firstZero(start uint32) uint32 {
	if start >= f.n {
		return f.n
	}
	i, nbit := int(start/64), start%64
	w := f.words[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i*64)
			if r >= f.n {
				return f.n
			}
			return r
		}
		i++
		if i == len(f.words) {
			return f.n
		}
		w = f.words[i]
	}
}

// firstOne returns the first set bit at or after start, or n if there is
// none.
func (f *frames) firstOne(start uint32) uint32 {
	if start >= f.n {
		return f.n
	}
	i, nbit := int(start/64), start%64
	w := f.words[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			r := uint32(bits.TrailingZeros64(w)) + uint32(i*64)
			if r >= f.n {
				return f.n
			}
			return r
		}
		i++
		if i == len(f.words) {
			return f.n
		}
		w = f.words[i]
	}
}

// findRun returns the first frame of a run of count clear bits.
func (f *frames) findRun(count uint32) (uint32, bool) {
	if count == 0 || count > f.n {
		return 0, false
	}
	for start := f.firstZero(0); start < f.n; {
		if f.n-start < count {
			return 0, false
		}
		end := f.firstOne(start)
		if end-start >= count {
			return start, true
		}
		start = f.firstZero(end)
	}
	return 0, false
}

// setRange marks [start, start+count) used.
func (f *frames) setRange(start, count uint32) {
	for i := start; i < start+count; i++ {
		block, mask := i/64, uint64(1)<<(i%64)
		if f.words[block]&mask == 0 {
			f.words[block] |= mask
			f.used++
		}
	}
}

// clearRange marks [start, start+count) free.
func (f *frames) clearRange(start, count uint32) {
	for i := start; i < start+count; i++ {
		block, mask := i/64, uint64(1)<<(i%64)
		if f.words[block]&mask != 0 {
			f.words[block] &^= mask
			f.used--
		}
	}
}
