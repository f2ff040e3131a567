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

// Package ra implements a resource arena: an allocator of device virtual
// address ranges within a fixed span.
//
// Each MMU heap owns one arena. The arena knows nothing about page tables;
// instead it is created with a free callback which it invokes, outside its own
// lock, every time a range leaves the arena's allocated set (through Free or
// Destroy). The heap uses the callback to tear down translations.
package ra

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/sync"
)

// FreeFunc is called with each range released from an arena.
type FreeFunc func(r gpuarch.AddrRange)

// span is a node in the free or live tree, ordered by start.
type span struct {
	start gpuarch.Addr
	end   gpuarch.Addr
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// degree is the B-tree degree. Arenas rarely hold more than a few thousand
// spans.
const degree = 8

// Arena allocates ranges from a fixed span of device virtual addresses.
type Arena struct {
	// name, span, quantum and onFree are immutable.
	name    string
	span    gpuarch.AddrRange
	quantum uint64
	onFree  FreeFunc

	mu sync.Mutex

	// free holds the unallocated spans. Adjacent free spans are always
	// coalesced.
	free *btree.BTreeG[span]

	// live holds the allocated spans.
	live *btree.BTreeG[span]

	// allocated is the total length of live spans.
	allocated uint64

	destroyed bool
}

// New returns an arena over r. All allocation sizes and addresses are
// multiples of quantum, which must be a power of two no smaller than a page.
// onFree may be nil.
func New(name string, r gpuarch.AddrRange, quantum uint64, onFree FreeFunc) (*Arena, error) {
	if quantum < gpuarch.PageSize || bits.OnesCount64(quantum) != 1 {
		return nil, errors.Newf(errors.InvalidParams, "arena %q: bad quantum %#x", name, quantum)
	}
	if r.End <= r.Start || uint64(r.Start)%quantum != 0 || r.Length()%quantum != 0 || uint64(r.End) > gpuarch.AddrSpace {
		return nil, errors.Newf(errors.InvalidParams, "arena %q: bad span %v for quantum %#x", name, r, quantum)
	}
	a := &Arena{
		name:    name,
		span:    r,
		quantum: quantum,
		onFree:  onFree,
		free:    btree.NewG(degree, spanLess),
		live:    btree.NewG(degree, spanLess),
	}
	a.free.ReplaceOrInsert(span{r.Start, r.End})
	return a, nil
}

// Name returns the arena's name.
func (a *Arena) Name() string {
	return a.name
}

// Range returns the span managed by the arena.
func (a *Arena) Range() gpuarch.AddrRange {
	return a.span
}

// Quantum returns the arena's allocation granule.
func (a *Arena) Quantum() uint64 {
	return a.quantum
}

func (a *Arena) roundSize(size uint64) (uint64, bool) {
	r := (size + a.quantum - 1) &^ (a.quantum - 1)
	return r, r >= size
}

// Alloc allocates a range of at least size bytes aligned to align, first fit
// from the bottom of the arena. align of zero means the quantum.
func (a *Arena) Alloc(size, align uint64) (gpuarch.Addr, error) {
	if size == 0 {
		return 0, errors.Newf(errors.InvalidParams, "arena %q: zero-sized allocation", a.name)
	}
	if align < a.quantum {
		align = a.quantum
	}
	if bits.OnesCount64(align) != 1 {
		return 0, errors.Newf(errors.InvalidParams, "arena %q: alignment %#x is not a power of two", a.name, align)
	}
	size, ok := a.roundSize(size)
	if !ok || size > a.span.Length() {
		return 0, errors.Newf(errors.OutOfMemory, "arena %q: %#x bytes exceeds arena size %#x", a.name, size, a.span.Length())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0, errors.Newf(errors.InvalidParams, "arena %q: destroyed", a.name)
	}
	var (
		found bool
		from  span
		start gpuarch.Addr
	)
	a.free.Ascend(func(s span) bool {
		aligned := (uint64(s.start) + align - 1) &^ (align - 1)
		if aligned+size <= uint64(s.end) {
			found, from, start = true, s, gpuarch.Addr(aligned)
			return false
		}
		return true
	})
	if !found {
		return 0, errors.Newf(errors.OutOfMemory, "arena %q: no free range of %#x bytes aligned to %#x", a.name, size, align)
	}
	a.carveLocked(from, start, start+gpuarch.Addr(size))
	return start, nil
}

// AllocAt allocates exactly [start, start+size), which must be free.
func (a *Arena) AllocAt(start gpuarch.Addr, size uint64) error {
	if size == 0 {
		return errors.Newf(errors.InvalidParams, "arena %q: zero-sized allocation", a.name)
	}
	if uint64(start)%a.quantum != 0 {
		return errors.Newf(errors.InvalidParams, "arena %q: %v is not aligned to %#x", a.name, start, a.quantum)
	}
	size, ok := a.roundSize(size)
	end, ok2 := start.AddLength(size)
	if !ok || !ok2 || !a.span.IsSupersetOf(gpuarch.AddrRange{Start: start, End: end}) {
		return errors.Newf(errors.InvalidParams, "arena %q: [%v, +%#x) outside %v", a.name, start, size, a.span)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return errors.Newf(errors.InvalidParams, "arena %q: destroyed", a.name)
	}
	var (
		from  span
		found bool
	)
	a.free.DescendLessOrEqual(span{start: start}, func(s span) bool {
		from, found = s, true
		return false
	})
	if !found || from.end < end {
		return errors.Newf(errors.OutOfMemory, "arena %q: [%v, %v) is not free", a.name, start, end)
	}
	a.carveLocked(from, start, end)
	return nil
}

// carveLocked moves [start, end) out of the free span from into the live
// tree.
//
// Precondition: a.mu is held; from contains [start, end).
func (a *Arena) carveLocked(from span, start, end gpuarch.Addr) {
	a.free.Delete(from)
	if from.start < start {
		a.free.ReplaceOrInsert(span{from.start, start})
	}
	if end < from.end {
		a.free.ReplaceOrInsert(span{end, from.end})
	}
	a.live.ReplaceOrInsert(span{start, end})
	a.allocated += uint64(end - start)
}

// Free releases the allocation starting at start and invokes the free
// callback for it.
func (a *Arena) Free(start gpuarch.Addr) (gpuarch.AddrRange, error) {
	a.mu.Lock()
	s, ok := a.live.Delete(span{start: start})
	if !ok {
		a.mu.Unlock()
		return gpuarch.AddrRange{}, errors.Newf(errors.InvalidParams, "arena %q: no allocation at %v", a.name, start)
	}
	a.allocated -= uint64(s.end - s.start)

	merged := s
	var (
		prev    span
		hasPrev bool
	)
	a.free.DescendLessOrEqual(span{start: s.start}, func(p span) bool {
		prev, hasPrev = p, p.end == s.start
		return false
	})
	if hasPrev {
		a.free.Delete(prev)
		merged.start = prev.start
	}
	if next, ok := a.free.Get(span{start: s.end}); ok {
		a.free.Delete(next)
		merged.end = next.end
	}
	a.free.ReplaceOrInsert(merged)
	a.mu.Unlock()

	r := gpuarch.AddrRange{Start: s.start, End: s.end}
	if a.onFree != nil {
		a.onFree(r)
	}
	return r, nil
}

// Lookup returns the live allocation containing addr.
func (a *Arena) Lookup(addr gpuarch.Addr) (gpuarch.AddrRange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		r     gpuarch.AddrRange
		found bool
	)
	a.live.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		if addr < s.end {
			r, found = gpuarch.AddrRange{Start: s.start, End: s.end}, true
		}
		return false
	})
	return r, found
}

// Overlaps returns true if any live allocation intersects r.
func (a *Arena) Overlaps(r gpuarch.AddrRange) bool {
	if r.End <= r.Start {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	found := false
	a.live.DescendLessOrEqual(span{start: r.End - 1}, func(s span) bool {
		found = s.end > r.Start
		return false
	})
	return found
}

// Allocated returns the number of bytes currently allocated.
func (a *Arena) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Destroy releases every live allocation, invoking the free callback for
// each, and makes the arena unusable. It returns the number of allocations
// that were still live.
func (a *Arena) Destroy() int {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return 0
	}
	a.destroyed = true
	var live []span
	a.live.Ascend(func(s span) bool {
		live = append(live, s)
		return true
	})
	a.live.Clear(false)
	a.free.Clear(false)
	a.allocated = 0
	a.mu.Unlock()

	if a.onFree != nil {
		for _, s := range live {
			a.onFree(gpuarch.AddrRange{Start: s.start, End: s.end})
		}
	}
	return len(live)
}

// String implements fmt.Stringer.String.
func (a *Arena) String() string {
	return fmt.Sprintf("arena %q %v", a.name, a.span)
}
