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

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
	"gvisor.dev/sgxmmu/pkg/sync"
)

// Context is one device address space: a page directory and the page tables
// it owns.
type Context struct {
	// dev and id are immutable.
	dev *Device
	id  uint64

	mu sync.Mutex

	// dir is the page directory. dir.Data is nil after Finalise.
	dir physmem.Block

	// slots holds the page tables owned by this context, indexed by
	// directory entry. A directory entry may also point at a table owned by
	// another context (a shared heap's template context), in which case the
	// slot is nil.
	slots [gpuarch.DirEntries]*pageTable

	// heaps are the heaps created in this context.
	heaps []*Heap

	// inserted are shared heaps of other contexts inserted with InsertHeap.
	inserted []*Heap
}

// NewContext allocates a page directory and registers a new context. It
// returns the context and the physical address of its directory, which is
// what the device's directory base register is loaded with.
//
// The first context created on a device is its kernel context.
func (d *Device) NewContext() (*Context, gpuarch.PhysAddr, error) {
	dir, err := d.allocPage(pdump.Directory, gpuarch.PageSize, d.emptyPDE())
	if err != nil {
		return nil, 0, fmt.Errorf("allocating page directory: %w", err)
	}
	c := &Context{
		dev: d,
		dir: dir,
	}

	d.registryMu.Lock()
	d.nextID++
	c.id = d.nextID
	if d.kernel == nil {
		d.kernel = c
	}
	d.contexts = append(d.contexts, c)
	d.registryMu.Unlock()

	contextsCreated.Increment()
	log.Debugf("mmu: context %d: page directory at %v", c.id, dir.Phys)
	return c, dir.Phys, nil
}

// ID returns the context's device-unique identifier.
func (c *Context) ID() uint64 {
	return c.id
}

// Device returns the device the context belongs to.
func (c *Context) Device() *Device {
	return c.dev
}

// DirectoryPhysAddr returns the physical address of the page directory.
func (c *Context) DirectoryPhysAddr() gpuarch.PhysAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir.Phys
}

// Finalise unregisters the context and frees its page directory. Heaps are
// not deleted; page tables the context still owns are reported as leaks and
// freed.
func (c *Context) Finalise() {
	d := c.dev

	d.registryMu.Lock()
	i := slices.Index(d.contexts, c)
	if i < 0 {
		d.registryMu.Unlock()
		return
	}
	d.contexts = slices.Delete(d.contexts, i, i+1)
	if d.kernel == c {
		d.kernel = nil
	}

	type leak struct {
		dir uint32
		old uint32
		pt  *pageTable
		b   physmem.Block
	}
	var leaks []leak
	c.mu.Lock()
	for dir, pt := range c.slots {
		if pt == nil {
			continue
		}
		old := readEntry(c.dir.Data, uint32(dir))
		leaks = append(leaks, leak{dir: uint32(dir), old: old, pt: pt, b: c.detachLocked(uint32(dir))})
	}
	dir := c.dir
	c.dir = physmem.Block{}
	c.heaps = nil
	c.inserted = nil
	c.mu.Unlock()

	for _, l := range leaks {
		if l.pt.shared {
			d.mirrorPDELocked(c, l.dir, l.old, d.emptyPDE())
		}
	}
	d.registryMu.Unlock()

	for _, l := range leaks {
		d.invariantf(violationLeak, "context %d: page table for %v with %d valid entries outlived its heap", c.id, gpuarch.DirBase(l.dir), l.pt.valid)
		d.releaseTableBlock(l.b)
	}
	if len(leaks) > 0 {
		d.InvalidateDirectoryCache()
	}

	clear(dir.Data)
	d.freePage(pdump.Directory, dir)
	log.Debugf("mmu: context %d: finalised", c.id)
}

// InsertHeap makes a shared heap of another context visible in c by copying
// the heap's directory entries from the heap's context.
func (c *Context) InsertHeap(h *Heap) error {
	if !h.IsShared() {
		return errors.Newf(errors.InvalidParams, "heap %q of type %v cannot be inserted into another context", h.info.Name, h.info.Type)
	}
	if h.ctx == c {
		return nil
	}
	if h.ctx.dev != c.dev {
		return errors.Newf(errors.InvalidParams, "heap %q belongs to another device", h.info.Name)
	}
	if h.deleted.Load() {
		return errors.Newf(errors.InvalidParams, "heap %q has been deleted", h.info.Name)
	}

	d := c.dev
	d.registryMu.Lock()
	defer d.registryMu.Unlock()

	src := h.ctx
	entries := make([]uint32, h.ptCount)
	src.mu.Lock()
	if src.dir.Data == nil {
		src.mu.Unlock()
		return errors.Newf(errors.InvalidParams, "heap %q: context %d has been finalised", h.info.Name, src.id)
	}
	for i := range entries {
		entries[i] = readEntry(src.dir.Data, h.pdBase+uint32(i))
	}
	src.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir.Data == nil {
		return errors.Newf(errors.InvalidParams, "context %d has been finalised", c.id)
	}
	if slices.Contains(c.inserted, h) {
		return nil
	}
	if other := c.overlappingHeapLocked(h.pdBase, h.ptCount); other != nil {
		return errors.Newf(errors.InvalidParams, "heap %q overlaps heap %q in context %d", h.info.Name, other.info.Name, c.id)
	}
	empty := d.emptyPDE()
	dirty := false
	for i, raw := range entries {
		dir := h.pdBase + uint32(i)
		if cur := readEntry(c.dir.Data, dir); cur != empty && cur != raw {
			d.invariantf(violationPDENotEmpty, "context %d: PDE[%d] is %v while inserting heap %q", c.id, dir, d.decodePDE(cur), h.info.Name)
		}
		if c.setPDELocked(dir, raw) && raw != 0 {
			dirty = true
		}
	}
	c.inserted = append(c.inserted, h)
	if dirty {
		d.InvalidateDirectoryCache()
	}
	return nil
}

// overlappingHeapLocked returns a heap of c whose directory range intersects
// [pdBase, pdBase+ptCount).
//
// Precondition: c.mu is held.
func (c *Context) overlappingHeapLocked(pdBase, ptCount uint32) *Heap {
	for _, hs := range [][]*Heap{c.heaps, c.inserted} {
		for _, o := range hs {
			if pdBase < o.pdBase+o.ptCount && o.pdBase < pdBase+ptCount {
				return o
			}
		}
	}
	return nil
}

// PDE returns directory entry i.
func (c *Context) PDE(i uint32) PDE {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir.Data == nil || i >= gpuarch.DirEntries {
		return PDE{Kind: PDEInvalid}
	}
	return c.dev.decodePDE(readEntry(c.dir.Data, i))
}

// Translate walks c's directory and returns the physical page mapped at va.
// Unlike Heap.PhysPageAddr it also resolves addresses of shared heaps owned
// by other contexts.
func (c *Context) Translate(va gpuarch.Addr) (gpuarch.PhysAddr, bool) {
	_, _, pte := c.walk(va)
	if pte.Kind != PTEMapped {
		return 0, false
	}
	return pte.Phys, true
}

// walk returns the directory entry, table index and table entry translating
// va. The table entry is PTEInvalid if there is no table.
func (c *Context) walk(va gpuarch.Addr) (PDE, uint32, PTE) {
	d := c.dev
	dir := va.DirIndex()
	c.mu.Lock()
	if c.dir.Data == nil {
		c.mu.Unlock()
		return PDE{Kind: PDEInvalid}, 0, PTE{Kind: PTEInvalid}
	}
	pde := d.decodePDE(readEntry(c.dir.Data, dir))
	c.mu.Unlock()
	if pde.Kind != PDEPresent {
		return pde, 0, PTE{Kind: PTEInvalid}
	}

	idx := va.TableIndex(pde.PageSize)
	pt := d.lookupTable(pde.Table)
	if pt == nil {
		return pde, idx, PTE{Kind: PTEInvalid}
	}
	pt.owner.mu.Lock()
	defer pt.owner.mu.Unlock()
	if pt.block.Data == nil {
		return pde, idx, PTE{Kind: PTEInvalid}
	}
	return pde, idx, d.decodePTE(readEntry(pt.block.Data, idx))
}

// DescribeFault returns a description of how c translates va, for
// reporting device page faults.
func (c *Context) DescribeFault(va gpuarch.Addr) string {
	pde, idx, pte := c.walk(va)
	dir := va.DirIndex()
	if pde.Kind != PDEPresent {
		return fmt.Sprintf("context %d: fault at %v: PDE[%d] %v", c.id, va, dir, pde.Kind)
	}
	return fmt.Sprintf("context %d: fault at %v: PDE[%d] table %v (%v pages), PTE[%d] %v", c.id, va, dir, pde.Table, pde.PageSize, idx, pte)
}

// setPDELocked writes raw to directory entry i and reports whether the entry
// changed.
//
// Precondition: c.mu is held.
func (c *Context) setPDELocked(i uint32, raw uint32) bool {
	if readEntry(c.dir.Data, i) == raw {
		return false
	}
	writeEntry(c.dir.Data, i, raw)
	c.dev.recorder.WriteEntry(pdump.Directory, c.dir.Phys, i, raw)
	return true
}

// detachLocked removes the table in slot i, resets the directory entry and
// returns the table's memory, which the caller must release with
// Device.releaseTableBlock once no directory refers to it.
//
// Precondition: c.mu is held and slot i is occupied.
func (c *Context) detachLocked(i uint32) physmem.Block {
	pt := c.slots[i]
	c.slots[i] = nil
	c.setPDELocked(i, c.dev.emptyPDE())
	b := pt.block
	pt.block = physmem.Block{}
	return b
}
