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
	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

// Page offsets within the BIF reset block.
const (
	bifDirOffset   = 0
	bifTableOffset = gpuarch.PageSize
	bifDataOffset  = 2 * gpuarch.PageSize
	bifBlockSize   = 3 * gpuarch.PageSize
)

// bifReset is a directory, table and data page used while the bus interface
// is reset. The device keeps issuing requests during the reset; pointing its
// directory base at this block gives the faulting address a harmless
// translation.
type bifReset struct {
	block physmem.Block

	// dir and idx locate the live mapping, if any.
	active bool
	dir    uint32
	idx    uint32
}

func (b *bifReset) page(off uint64) []byte {
	return b.block.Data[off : off+gpuarch.PageSize]
}

func (b *bifReset) phys(off uint64) gpuarch.PhysAddr {
	return b.block.Phys + gpuarch.PhysAddr(off)
}

// BIFResetMapping describes the translation installed by BIFResetMap.
type BIFResetMapping struct {
	// DirIndex and TableIndex are the entries written.
	DirIndex   uint32
	TableIndex uint32

	// Directory is the physical address to load into the directory base
	// register for the duration of the reset.
	Directory gpuarch.PhysAddr
}

// BIFResetAlloc allocates the reset block. All of its entries are zero until
// BIFResetMap.
func (d *Device) BIFResetAlloc() error {
	b, err := d.alloc.Allocate(bifBlockSize)
	if err != nil {
		return err
	}
	if err := checkEntryAddr(b.Phys + gpuarch.PhysAddr(bifDataOffset)); err != nil {
		d.alloc.Free(b)
		return err
	}
	clear(b.Data)

	d.bifMu.Lock()
	defer d.bifMu.Unlock()
	if d.bif != nil {
		d.alloc.Free(b)
		return errors.New(errors.InvalidParams, "BIF reset block already allocated")
	}
	d.bif = &bifReset{block: b}
	d.recorder.Alloc(pdump.ResetDirectory, d.bif.phys(bifDirOffset), gpuarch.PageSize)
	d.recorder.Alloc(pdump.ResetTable, d.bif.phys(bifTableOffset), gpuarch.PageSize)
	d.recorder.Alloc(pdump.ResetData, d.bif.phys(bifDataOffset), gpuarch.PageSize)
	log.Debugf("mmu: BIF reset block at %v", b.Phys)
	return nil
}

// BIFResetFree releases the reset block.
func (d *Device) BIFResetFree() {
	d.bifMu.Lock()
	defer d.bifMu.Unlock()
	if d.bif == nil {
		return
	}
	b := d.bif
	d.bif = nil
	d.recorder.Free(pdump.ResetData, b.phys(bifDataOffset), gpuarch.PageSize)
	d.recorder.Free(pdump.ResetTable, b.phys(bifTableOffset), gpuarch.PageSize)
	d.recorder.Free(pdump.ResetDirectory, b.phys(bifDirOffset), gpuarch.PageSize)
	d.alloc.Free(b.block)
}

// BIFResetMap maps the page containing fault to the reset data page in the
// reset directory, replacing any previous reset mapping.
func (d *Device) BIFResetMap(fault gpuarch.Addr) (BIFResetMapping, error) {
	d.bifMu.Lock()
	defer d.bifMu.Unlock()
	b := d.bif
	if b == nil {
		return BIFResetMapping{}, errors.New(errors.InvalidParams, "BIF reset block not allocated")
	}
	if b.active {
		d.bifClearLocked()
	}

	pde, err := encodePDE(PDE{Kind: PDEPresent, Table: b.phys(bifTableOffset), PageSize: gpuarch.Page4K}, dummyAddrs{})
	if err != nil {
		return BIFResetMapping{}, err
	}
	pte, err := encodePTE((MapRead | MapWrite).pte(b.phys(bifDataOffset)), dummyAddrs{})
	if err != nil {
		return BIFResetMapping{}, err
	}
	b.dir = fault.DirIndex()
	b.idx = fault.TableIndex(gpuarch.Page4K)
	b.active = true
	writeEntry(b.page(bifDirOffset), b.dir, pde)
	d.recorder.WriteEntry(pdump.ResetDirectory, b.phys(bifDirOffset), b.dir, pde)
	writeEntry(b.page(bifTableOffset), b.idx, pte)
	d.recorder.WriteEntry(pdump.ResetTable, b.phys(bifTableOffset), b.idx, pte)
	return BIFResetMapping{
		DirIndex:   b.dir,
		TableIndex: b.idx,
		Directory:  b.phys(bifDirOffset),
	}, nil
}

// BIFResetClear removes the mapping installed by BIFResetMap.
func (d *Device) BIFResetClear() {
	d.bifMu.Lock()
	defer d.bifMu.Unlock()
	if d.bif != nil && d.bif.active {
		d.bifClearLocked()
	}
}

// Precondition: d.bifMu is held and d.bif.active.
func (d *Device) bifClearLocked() {
	b := d.bif
	writeEntry(b.page(bifDirOffset), b.dir, 0)
	d.recorder.WriteEntry(pdump.ResetDirectory, b.phys(bifDirOffset), b.dir, 0)
	writeEntry(b.page(bifTableOffset), b.idx, 0)
	d.recorder.WriteEntry(pdump.ResetTable, b.phys(bifTableOffset), b.idx, 0)
	b.active = false
}

// BIFResetEntries returns the raw reset directory and table entries that
// translate va.
func (d *Device) BIFResetEntries(va gpuarch.Addr) (pde, pte uint32, err error) {
	d.bifMu.Lock()
	defer d.bifMu.Unlock()
	b := d.bif
	if b == nil {
		return 0, 0, errors.New(errors.InvalidParams, "BIF reset block not allocated")
	}
	return readEntry(b.page(bifDirOffset), va.DirIndex()), readEntry(b.page(bifTableOffset), va.TableIndex(gpuarch.Page4K)), nil
}
