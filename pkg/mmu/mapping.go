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
)

// MapFlags control how pages are mapped.
type MapFlags uint32

// Mapping flags. A mapping with neither MapRead nor MapWrite is readable and
// writable.
const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapCacheConsistent
	MapEDMProtect

	// MapDummy maps every page of a MapPages call to the same physical
	// page.
	MapDummy
)

// pte returns the table entry mapping phys with f.
func (f MapFlags) pte(phys gpuarch.PhysAddr) PTE {
	r, w := f&MapRead != 0, f&MapWrite != 0
	if !r && !w {
		r, w = true, true
	}
	return PTE{
		Kind:            PTEMapped,
		Phys:            phys,
		Readable:        r,
		Writable:        w,
		CacheConsistent: f&MapCacheConsistent != 0,
		EDMProtect:      f&MapEDMProtect != 0,
	}
}

// checkPages validates a request for count pages at va.
func (h *Heap) checkPages(va gpuarch.Addr, count uint64) error {
	if err := h.checkLive(); err != nil {
		return err
	}
	if count == 0 {
		return errors.Newf(errors.InvalidParams, "heap %q: no pages at %v", h.info.Name, va)
	}
	if uint64(va)%uint64(h.pageSize) != 0 {
		return errors.Newf(errors.InvalidParams, "heap %q: %v is not aligned to %v", h.info.Name, va, h.pageSize)
	}
	end, ok := va.AddLength(count << h.pageSize.Shift())
	if !ok || !h.Range().IsSupersetOf(gpuarch.AddrRange{Start: va, End: end}) {
		return errors.Newf(errors.InvalidParams, "heap %q: %d pages at %v exceed %v", h.info.Name, count, va, h.Range())
	}
	return nil
}

// mapEach maps count pages at va, asking physFor for each page's address.
// On failure the pages already mapped are unmapped again.
func (h *Heap) mapEach(va gpuarch.Addr, count uint32, flags MapFlags, physFor func(i uint32) (gpuarch.PhysAddr, error)) error {
	for i := uint32(0); i < count; i++ {
		addr := va + gpuarch.Addr(uint64(i)<<h.pageSize.Shift())
		phys, err := physFor(i)
		if err == nil {
			err = h.mapPage(addr, flags.pte(phys))
		}
		if err != nil {
			if i > 0 {
				h.unmapRange(va, i, true)
			}
			log.Debugf("mmu: heap %q: mapping page %d of %d at %v failed: %v", h.info.Name, i, count, va, err)
			return err
		}
	}
	return nil
}

// MapPages maps count pages at va to physically contiguous memory starting
// at phys. With MapDummy every page maps phys.
func (h *Heap) MapPages(va gpuarch.Addr, phys gpuarch.PhysAddr, count uint32, flags MapFlags) error {
	if err := h.checkPages(va, uint64(count)); err != nil {
		return err
	}
	stride := gpuarch.PhysAddr(h.pageSize)
	if flags&MapDummy != 0 {
		stride = 0
	}
	return h.mapEach(va, count, flags, func(i uint32) (gpuarch.PhysAddr, error) {
		return phys + gpuarch.PhysAddr(i)*stride, nil
	})
}

// MapScatter maps one page at va per element of pages.
func (h *Heap) MapScatter(va gpuarch.Addr, pages []gpuarch.PhysAddr, flags MapFlags) error {
	if err := h.checkPages(va, uint64(len(pages))); err != nil {
		return err
	}
	return h.mapEach(va, uint32(len(pages)), flags, func(i uint32) (gpuarch.PhysAddr, error) {
		return pages[i], nil
	})
}

// MapShadow maps size bytes at va to the memory behind the CPU range
// starting at cpu, resolving each page through the device's Translator.
func (h *Heap) MapShadow(va gpuarch.Addr, cpu gpuarch.CPUAddr, size uint64, flags MapFlags) error {
	t := h.ctx.dev.translator
	if t == nil {
		return errors.Newf(errors.BadMapping, "heap %q: no CPU address translator", h.info.Name)
	}
	if uint64(cpu)%uint64(h.pageSize) != 0 {
		return errors.Newf(errors.InvalidParams, "heap %q: CPU address %#x is not aligned to %v", h.info.Name, uint64(cpu), h.pageSize)
	}
	count := (size + uint64(h.pageSize) - 1) >> h.pageSize.Shift()
	if err := h.checkPages(va, count); err != nil {
		return err
	}
	return h.mapEach(va, uint32(count), flags, func(i uint32) (gpuarch.PhysAddr, error) {
		addr := cpu + gpuarch.CPUAddr(uint64(i)<<h.pageSize.Shift())
		phys, ok := t.Translate(addr)
		if !ok {
			return 0, errors.Newf(errors.BadMapping, "CPU address %#x is not device memory", uint64(addr))
		}
		return phys, nil
	})
}

// UnmapPages unmaps count pages at va. Tables left without mappings are
// freed.
func (h *Heap) UnmapPages(va gpuarch.Addr, count uint32) error {
	if err := h.checkPages(va, uint64(count)); err != nil {
		return fmt.Errorf("unmapping: %w", err)
	}
	h.unmapRange(va, count, true)
	return nil
}
