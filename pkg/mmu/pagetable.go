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

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

// pageTable is a page table installed in a directory slot of its owner.
type pageTable struct {
	// owner, pageSize and shared are immutable.
	owner    *Context
	pageSize gpuarch.DataPageSize

	// shared is true if the table's directory entry is mirrored into every
	// context.
	shared bool

	// The fields below are protected by owner.mu.

	// block is the table's memory. block.Data is nil once the table has been
	// detached from its slot.
	block physmem.Block

	// valid is the number of mapped entries.
	valid uint32
}

// trackTable makes pt resolvable by physical address.
func (d *Device) trackTable(pt *pageTable) {
	d.tablesMu.Lock()
	d.tables[pt.block.Phys] = pt
	d.tablesMu.Unlock()
}

// lookupTable returns the live table at phys, or nil.
func (d *Device) lookupTable(phys gpuarch.PhysAddr) *pageTable {
	d.tablesMu.Lock()
	defer d.tablesMu.Unlock()
	return d.tables[phys]
}

// releaseTableBlock frees the memory of a detached table.
func (d *Device) releaseTableBlock(b physmem.Block) {
	d.tablesMu.Lock()
	delete(d.tables, b.Phys)
	d.tablesMu.Unlock()
	d.freePage(pdump.Table, b)
	tablesFreed.Increment()
	log.Debugf("mmu: page table at %v freed", b.Phys)
}

// mirrorPDELocked replaces directory entry dir in every registered context
// except owner. Entries holding neither old nor raw are left alone and
// reported.
//
// Precondition: d.registryMu is held.
func (d *Device) mirrorPDELocked(owner *Context, dir uint32, old, raw uint32) {
	for _, c := range d.contexts {
		if c == owner {
			continue
		}
		c.mu.Lock()
		switch cur := readEntry(c.dir.Data, dir); cur {
		case raw:
		case old:
			c.setPDELocked(dir, raw)
		default:
			d.invariantf(violationPDENotEmpty, "context %d: PDE[%d] is %v, expected %v", c.id, dir, d.decodePDE(cur), d.decodePDE(old))
		}
		c.mu.Unlock()
	}
}

// lockShared takes the registry lock if h's directory entries are mirrored.
// It returns the matching unlock function.
func (h *Heap) lockShared() func() {
	if !h.IsShared() {
		return func() {}
	}
	d := h.ctx.dev
	d.registryMu.Lock()
	return d.registryMu.Unlock
}

func (h *Heap) granularityError(dir uint32, have gpuarch.DataPageSize) error {
	return errors.Newf(errors.BadMapping, "heap %q: table for %v maps %v pages, heap uses %v", h.info.Name, gpuarch.DirBase(dir), have, h.pageSize)
}

// ensureTable makes sure slot dir of h's context holds a table for h's page
// size. It reports whether this call installed the table.
//
// The table is allocated without any lock held; if another caller installs a
// table first, the new one is discarded.
func (h *Heap) ensureTable(dir uint32) (bool, error) {
	c := h.ctx
	d := c.dev
	c.mu.Lock()
	if c.dir.Data == nil {
		c.mu.Unlock()
		return false, errors.Newf(errors.InvalidParams, "heap %q: context %d has been finalised", h.info.Name, c.id)
	}
	pt := c.slots[dir]
	var have gpuarch.DataPageSize
	if pt != nil {
		have = pt.pageSize
	}
	c.mu.Unlock()
	if pt != nil {
		if have != h.pageSize {
			return false, h.granularityError(dir, have)
		}
		return false, nil
	}

	b, err := d.allocPage(pdump.Table, h.pageSize.TableBytes(), d.emptyPTE())
	if err != nil {
		return false, fmt.Errorf("allocating page table for %v: %w", gpuarch.DirBase(dir), err)
	}
	return h.installTable(dir, b)
}

// installTable installs b as the table of slot dir unless the slot is already
// occupied, in which case b is freed.
func (h *Heap) installTable(dir uint32, b physmem.Block) (bool, error) {
	c := h.ctx
	d := c.dev
	raw, err := encodePDE(PDE{Kind: PDEPresent, Table: b.Phys, PageSize: h.pageSize}, d.dummy)
	if err != nil {
		d.freePage(pdump.Table, b)
		return false, err
	}

	unlock := h.lockShared()
	defer unlock()

	c.mu.Lock()
	if c.dir.Data == nil {
		c.mu.Unlock()
		d.freePage(pdump.Table, b)
		return false, errors.Newf(errors.InvalidParams, "heap %q: context %d has been finalised", h.info.Name, c.id)
	}
	if existing := c.slots[dir]; existing != nil {
		have := existing.pageSize
		c.mu.Unlock()
		d.freePage(pdump.Table, b)
		if have != h.pageSize {
			return false, h.granularityError(dir, have)
		}
		return false, nil
	}
	// A slot with no table of c's own may still carry an entry mirrored
	// from another context's shared heap. That table is not ours to replace.
	old := readEntry(c.dir.Data, dir)
	if old != d.emptyPDE() {
		c.mu.Unlock()
		d.freePage(pdump.Table, b)
		d.invariantf(violationPDENotEmpty, "context %d: PDE[%d] is %v while installing a table for heap %q", c.id, dir, d.decodePDE(old), h.info.Name)
		return false, errors.Newf(errors.InvalidParams, "heap %q: %v is mapped by another context's shared heap", h.info.Name, gpuarch.DirBase(dir))
	}
	pt := &pageTable{
		owner:    c,
		pageSize: h.pageSize,
		shared:   h.IsShared(),
		block:    b,
	}
	c.slots[dir] = pt
	d.trackTable(pt)
	c.setPDELocked(dir, raw)
	c.mu.Unlock()

	if pt.shared {
		d.mirrorPDELocked(c, dir, old, raw)
	}
	d.InvalidateDirectoryCache()
	tablesAllocated.Increment()
	log.Debugf("mmu: heap %q: page table for %v at %v (%v pages)", h.info.Name, gpuarch.DirBase(dir), b.Phys, h.pageSize)
	return true, nil
}

// releaseSlot frees the table of slot dir if it has no mapped entries, or
// unconditionally if force is set. It reports whether a table was freed.
func (h *Heap) releaseSlot(dir uint32, force bool) bool {
	c := h.ctx
	d := c.dev

	unlock := h.lockShared()
	defer unlock()

	c.mu.Lock()
	pt := c.slots[dir]
	if pt == nil || (!force && pt.valid != 0) {
		c.mu.Unlock()
		return false
	}
	if pt.valid != 0 {
		log.Warningf("mmu: heap %q: freeing page table for %v with %d mapped entries", h.info.Name, gpuarch.DirBase(dir), pt.valid)
	}
	old := readEntry(c.dir.Data, dir)
	b := c.detachLocked(dir)
	c.mu.Unlock()

	if pt.shared {
		d.mirrorPDELocked(c, dir, old, d.emptyPDE())
	}
	d.releaseTableBlock(b)
	d.InvalidateDirectoryCache()
	return true
}

// allocPageTables ensures that every directory slot touched by r has a
// table. Tables installed before a failure are left in place.
func (h *Heap) allocPageTables(r gpuarch.AddrRange) error {
	first, count := r.DirIndices()
	for dir := first; dir < first+count; dir++ {
		if _, err := h.ensureTable(dir); err != nil {
			return err
		}
	}
	return nil
}

// mapPage writes the mapping pte for the page at va.
func (h *Heap) mapPage(va gpuarch.Addr, pte PTE) error {
	c := h.ctx
	d := c.dev
	raw, err := encodePTE(pte, d.dummy)
	if err != nil {
		return fmt.Errorf("mapping %v: %w", va, err)
	}
	dir := va.DirIndex()
	idx := va.TableIndex(h.pageSize)

	for {
		installed, err := h.ensureTable(dir)
		if err != nil {
			return err
		}

		c.mu.Lock()
		pt := c.slots[dir]
		if pt == nil {
			// Freed by a concurrent release of a neighbouring range.
			c.mu.Unlock()
			continue
		}
		if pt.pageSize != h.pageSize {
			have := pt.pageSize
			c.mu.Unlock()
			if installed {
				h.releaseSlot(dir, false)
			}
			return h.granularityError(dir, have)
		}

		newlyMapped := false
		if cur := d.decodePTE(readEntry(pt.block.Data, idx)); cur.Kind == PTEMapped {
			d.invariantf(violationAlreadyMapped, "heap %q: %v already maps %v", h.info.Name, va, cur.Phys)
		} else if pt.valid >= h.pageSize.TableEntries() {
			d.invariantf(violationCount, "heap %q: table for %v has %d valid entries", h.info.Name, gpuarch.DirBase(dir), pt.valid)
		} else {
			pt.valid++
			newlyMapped = true
		}
		writeEntry(pt.block.Data, idx, raw)
		d.recorder.WriteEntry(pdump.Table, pt.block.Phys, idx, raw)
		c.mu.Unlock()

		d.InvalidatePageTableCache()
		if newlyMapped {
			ptesMapped.Increment()
		}
		return nil
	}
}

// unmapRange unmaps count pages starting at va. If explicit is set, pages
// that are not mapped are reported as invariant violations and tables are
// freed as soon as they become empty. Otherwise (an arena release) unmapped
// pages are skipped and empty tables are only freed once no live arena
// allocation touches their slot.
func (h *Heap) unmapRange(va gpuarch.Addr, count uint32, explicit bool) {
	entries := h.pageSize.TableEntries()
	for count > 0 {
		dir := va.DirIndex()
		first := va.TableIndex(h.pageSize)
		n := min(count, entries-first)
		if h.unmapInSlot(dir, first, n, explicit) {
			if explicit || !h.arena.Overlaps(h.slotRange(dir)) {
				h.releaseSlot(dir, false)
			}
		}
		va += gpuarch.Addr(uint64(n) << h.pageSize.Shift())
		count -= n
	}
}

// unmapInSlot unmaps entries [first, first+n) of the table in slot dir and
// reports whether the table is left empty.
func (h *Heap) unmapInSlot(dir, first, n uint32, explicit bool) bool {
	c := h.ctx
	d := c.dev
	empty := d.emptyPTE()

	c.mu.Lock()
	pt := c.slots[dir]
	if pt == nil {
		c.mu.Unlock()
		if explicit {
			d.invariantf(violationMissingTable, "heap %q: no page table for %v", h.info.Name, gpuarch.DirBase(dir))
		}
		return false
	}
	var unmapped uint64
	for i := first; i < first+n; i++ {
		if cur := d.decodePTE(readEntry(pt.block.Data, i)); cur.Kind != PTEMapped {
			if explicit {
				va := gpuarch.DirBase(dir) + gpuarch.Addr(uint64(i)<<h.pageSize.Shift())
				d.invariantf(violationNotMapped, "heap %q: unmapping %v which is %v", h.info.Name, va, cur.Kind)
			}
			continue
		}
		if pt.valid == 0 {
			d.invariantf(violationCount, "heap %q: table for %v has a mapped entry but no valid count", h.info.Name, gpuarch.DirBase(dir))
		} else {
			pt.valid--
		}
		writeEntry(pt.block.Data, i, empty)
		d.recorder.WriteEntry(pdump.Table, pt.block.Phys, i, empty)
		unmapped++
	}
	isEmpty := pt.valid == 0
	c.mu.Unlock()

	if unmapped > 0 {
		d.InvalidatePageTableCache()
		ptesUnmapped.IncrementBy(unmapped)
	}
	return isEmpty
}

// slotRange returns the part of h's range translated by directory entry dir.
func (h *Heap) slotRange(dir uint32) gpuarch.AddrRange {
	r := gpuarch.AddrRange{Start: gpuarch.DirBase(dir), End: gpuarch.DirBase(dir) + gpuarch.DirSpan}
	hr := h.Range()
	r.Start = max(r.Start, hr.Start)
	r.End = min(r.End, hr.End)
	return r
}

// PTE returns the table entry translating va in h's context. ok is false if
// va is outside h or no table covers it.
func (h *Heap) PTE(va gpuarch.Addr) (pte PTE, ok bool) {
	if !h.Range().Contains(va) {
		return PTE{Kind: PTEInvalid}, false
	}
	c := h.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := c.slots[va.DirIndex()]
	if pt == nil || pt.block.Data == nil {
		return PTE{Kind: PTEInvalid}, false
	}
	return c.dev.decodePTE(readEntry(pt.block.Data, va.TableIndex(pt.pageSize))), true
}

// PhysPageAddr returns the physical address of the page mapped at va. ok is
// false if the page is not mapped.
func (h *Heap) PhysPageAddr(va gpuarch.Addr) (gpuarch.PhysAddr, bool) {
	pte, ok := h.PTE(va)
	if !ok || pte.Kind != PTEMapped {
		return 0, false
	}
	return pte.Phys, true
}

// ValidCount returns the number of mapped entries in the table of slot dir,
// and whether the slot holds a table.
func (h *Heap) ValidCount(dir uint32) (uint32, bool) {
	c := h.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir >= gpuarch.DirEntries || c.slots[dir] == nil {
		return 0, false
	}
	return c.slots[dir].valid, true
}
