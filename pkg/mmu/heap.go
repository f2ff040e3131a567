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

package mmu

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/ra"
)

// HeapType determines which contexts see a heap's mappings.
type HeapType uint8

// Heap types.
const (
	// HeapGeneral is private to the context that created it.
	HeapGeneral HeapType = iota

	// HeapShared is mapped identically in every context. Its tables are
	// owned by the creating context and its directory entries are mirrored
	// into all others.
	HeapShared

	// HeapSharedExported is a HeapShared whose allocations may be exported
	// to other processes.
	HeapSharedExported

	// HeapPerContext has the same layout in every context but separate
	// tables in each.
	HeapPerContext

	// HeapKernel is private to the kernel context.
	HeapKernel
)

var heapTypeNames = []string{
	HeapGeneral:        "general",
	HeapShared:         "shared",
	HeapSharedExported: "shared_exported",
	HeapPerContext:     "per_context",
	HeapKernel:         "kernel",
}

func (t HeapType) String() string {
	if int(t) < len(heapTypeNames) {
		return heapTypeNames[t]
	}
	return fmt.Sprintf("HeapType(%d)", uint8(t))
}

// ParseHeapType parses the String form of a HeapType.
func ParseHeapType(s string) (HeapType, error) {
	if i := slices.Index(heapTypeNames, strings.ToLower(s)); i >= 0 {
		return HeapType(i), nil
	}
	return 0, errors.Newf(errors.InvalidParams, "unknown heap type %q", s)
}

// HeapInfo describes a heap's placement.
type HeapInfo struct {
	Name string
	Type HeapType
	Base gpuarch.Addr
	Size uint64

	// PageSize is the size of the heap's data pages. Zero means 4K.
	PageSize gpuarch.DataPageSize
}

// Heap is a range of device virtual addresses in a context, backed by a VA
// arena. All of a heap's pages have the same size.
type Heap struct {
	// All fields except deleted are immutable after CreateHeap.
	ctx      *Context
	info     HeapInfo
	pageSize gpuarch.DataPageSize

	// pdBase is the first directory entry covered by the heap and ptCount
	// the number of entries.
	pdBase  uint32
	ptCount uint32

	arena *ra.Arena

	deleted atomic.Bool
}

// CreateHeap creates a heap in c and the VA arena that allocates from it.
// Releasing a range of the arena unmaps it.
//
// Heaps of one context may not share a directory entry.
func (c *Context) CreateHeap(info HeapInfo) (*Heap, *ra.Arena, error) {
	if info.PageSize == 0 {
		info.PageSize = gpuarch.Page4K
	}
	ps := info.PageSize
	switch {
	case !ps.Valid():
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q: unsupported page size %#x", info.Name, uint64(ps))
	case int(info.Type) >= len(heapTypeNames):
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q: unknown type %d", info.Name, info.Type)
	case info.Size == 0:
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q: empty", info.Name)
	case uint64(info.Base)%uint64(ps) != 0 || info.Size%uint64(ps) != 0:
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q: [%v, +%#x) is not aligned to %v pages", info.Name, info.Base, info.Size, ps)
	}
	end, ok := info.Base.AddLength(info.Size)
	if !ok {
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q: [%v, +%#x) exceeds the address space", info.Name, info.Base, info.Size)
	}
	r := gpuarch.AddrRange{Start: info.Base, End: end}

	h := &Heap{
		ctx:      c,
		info:     info,
		pageSize: ps,
	}
	h.pdBase, h.ptCount = r.DirIndices()
	arena, err := ra.New(info.Name, r, uint64(ps), h.release)
	if err != nil {
		return nil, nil, err
	}
	h.arena = arena

	d := c.dev
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	if o, other := d.overlappingSharedHeap(h); other != nil {
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q shares directory entries with heap %q of context %d", info.Name, other.info.Name, o.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir.Data == nil {
		return nil, nil, errors.Newf(errors.InvalidParams, "context %d has been finalised", c.id)
	}
	if other := c.overlappingHeapLocked(h.pdBase, h.ptCount); other != nil {
		return nil, nil, errors.Newf(errors.InvalidParams, "heap %q overlaps heap %q in context %d", info.Name, other.info.Name, c.id)
	}
	c.heaps = append(c.heaps, h)
	log.Debugf("mmu: context %d: heap %q %v %v, %v pages, PDE[%d:%d]", c.id, info.Name, info.Type, r, ps, h.pdBase, h.pdBase+h.ptCount)
	return h, arena, nil
}

// overlappingSharedHeap returns a heap of another context whose directory
// entries collide with h's where either of the two is shared. Shared heaps
// own their slots in every context.
//
// Precondition: d.registryMu is held.
func (d *Device) overlappingSharedHeap(h *Heap) (*Context, *Heap) {
	for _, o := range d.contexts {
		if o == h.ctx {
			continue
		}
		o.mu.Lock()
		for _, oh := range o.heaps {
			if (h.IsShared() || oh.IsShared()) && h.pdBase < oh.pdBase+oh.ptCount && oh.pdBase < h.pdBase+h.ptCount {
				o.mu.Unlock()
				return o, oh
			}
		}
		o.mu.Unlock()
	}
	return nil, nil
}

// Name returns the heap's name.
func (h *Heap) Name() string {
	return h.info.Name
}

// Info returns the heap's placement.
func (h *Heap) Info() HeapInfo {
	return h.info
}

// Context returns the context that owns the heap's tables.
func (h *Heap) Context() *Context {
	return h.ctx
}

// Range returns the heap's address range.
func (h *Heap) Range() gpuarch.AddrRange {
	return h.arena.Range()
}

// PageSize returns the heap's data page size.
func (h *Heap) PageSize() gpuarch.DataPageSize {
	return h.pageSize
}

// Arena returns the heap's VA arena.
func (h *Heap) Arena() *ra.Arena {
	return h.arena
}

// IsShared returns true if the heap's directory entries are mirrored into
// every context.
func (h *Heap) IsShared() bool {
	return h.info.Type == HeapShared || h.info.Type == HeapSharedExported
}

// Delete releases every live allocation of the heap, then frees all tables
// in the heap's directory range whether or not they are empty.
func (h *Heap) Delete() {
	if h.deleted.Swap(true) {
		return
	}
	if n := h.arena.Destroy(); n > 0 {
		log.Debugf("mmu: heap %q: released %d live allocations on delete", h.info.Name, n)
	}
	for dir := h.pdBase; dir < h.pdBase+h.ptCount; dir++ {
		h.releaseSlot(dir, true)
	}

	c := h.ctx
	c.mu.Lock()
	if i := slices.Index(c.heaps, h); i >= 0 {
		c.heaps = slices.Delete(c.heaps, i, i+1)
	}
	c.mu.Unlock()

	if h.IsShared() {
		d := c.dev
		d.registryMu.Lock()
		for _, o := range d.contexts {
			o.mu.Lock()
			if i := slices.Index(o.inserted, h); i >= 0 {
				o.inserted = slices.Delete(o.inserted, i, i+1)
			}
			o.mu.Unlock()
		}
		d.registryMu.Unlock()
	}
}

func (h *Heap) checkLive() error {
	if h.deleted.Load() {
		return errors.Newf(errors.InvalidParams, "heap %q has been deleted", h.info.Name)
	}
	return nil
}

// Alloc reserves size bytes of the heap aligned to align and allocates the
// page tables covering them.
func (h *Heap) Alloc(size, align uint64) (gpuarch.Addr, error) {
	if err := h.checkLive(); err != nil {
		return 0, err
	}
	va, err := h.arena.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	if err := h.reserved(va); err != nil {
		return 0, err
	}
	return va, nil
}

// AllocAt reserves exactly [va, va+size) of the heap and allocates the page
// tables covering it. It serves callers that manage their own addresses.
func (h *Heap) AllocAt(va gpuarch.Addr, size uint64) error {
	if err := h.checkLive(); err != nil {
		return err
	}
	if err := h.arena.AllocAt(va, size); err != nil {
		return err
	}
	return h.reserved(va)
}

// reserved allocates tables for the new reservation at va, undoing the
// reservation on failure.
func (h *Heap) reserved(va gpuarch.Addr) error {
	r, ok := h.arena.Lookup(va)
	if !ok {
		return errors.Newf(errors.Internal, "heap %q: reservation at %v vanished", h.info.Name, va)
	}
	if err := h.allocPageTables(r); err != nil {
		if _, ferr := h.arena.Free(va); ferr != nil {
			log.Warningf("mmu: heap %q: releasing %v after failure: %v", h.info.Name, r, ferr)
		}
		return fmt.Errorf("heap %q: allocating page tables for %v: %w", h.info.Name, r, err)
	}
	return nil
}

// Free releases the reservation starting at va. Its pages are unmapped and
// tables left empty are freed. size is only checked against the
// reservation.
func (h *Heap) Free(va gpuarch.Addr, size uint64) error {
	r, ok := h.arena.Lookup(va)
	if !ok || r.Start != va {
		log.Warningf("mmu: heap %q: free of %v does not match an allocation in %v", h.info.Name, va, h.Range())
		return errors.Newf(errors.InvalidParams, "heap %q: no allocation at %v", h.info.Name, va)
	}
	if rounded := (size + uint64(h.pageSize) - 1) &^ (uint64(h.pageSize) - 1); size != 0 && rounded != r.Length() {
		log.Warningf("mmu: heap %q: free of %v with size %#x, allocation is %v", h.info.Name, va, size, r)
	}
	_, err := h.arena.Free(va)
	return err
}

// release is the arena's free callback.
func (h *Heap) release(r gpuarch.AddrRange) {
	h.unmapRange(r.Start, uint32(r.Length()>>h.pageSize.Shift()), false)
}

// String implements fmt.Stringer.String.
func (h *Heap) String() string {
	return fmt.Sprintf("heap %q (%v, %v pages) %v", h.info.Name, h.info.Type, h.pageSize, h.Range())
}
