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
	"encoding/binary"
	"fmt"

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
)

// Raw entry layout. Directory and table entries are 32-bit little-endian
// words; the top 20 bits hold a 4K-aligned physical address.
const (
	entryValid    = 0x1
	entryAddrMask = 0xFFFFF000

	pdePageSizeMask  = 0xE
	pdePageSizeShift = 1

	pteEDMProtect      = 0x2
	pteReadOnly        = 0x4
	pteWriteOnly       = 0x8
	pteCacheConsistent = 0x10
)

// PDEKind is the state of a page directory entry.
type PDEKind uint8

// PDE kinds.
const (
	// PDEInvalid translates nothing.
	PDEInvalid PDEKind = iota

	// PDEDummy points at the device's dummy page table. It only exists
	// under UnmapDummyPage and is semantically empty.
	PDEDummy

	// PDEPresent points at a live page table.
	PDEPresent
)

func (k PDEKind) String() string {
	switch k {
	case PDEInvalid:
		return "invalid"
	case PDEDummy:
		return "dummy"
	case PDEPresent:
		return "present"
	default:
		return fmt.Sprintf("PDEKind(%d)", uint8(k))
	}
}

// PDE is a decoded page directory entry.
type PDE struct {
	Kind PDEKind

	// Table is the physical address of the page table. Zero for
	// PDEInvalid.
	Table gpuarch.PhysAddr

	// PageSize is the data page size of the table's entries.
	PageSize gpuarch.DataPageSize
}

// PTEKind is the state of a page table entry.
type PTEKind uint8

// PTE kinds.
const (
	// PTEInvalid translates nothing.
	PTEInvalid PTEKind = iota

	// PTEDummy points at the device's dummy data page. It only exists under
	// UnmapDummyPage and is semantically unmapped.
	PTEDummy

	// PTEMapped translates to Phys.
	PTEMapped
)

func (k PTEKind) String() string {
	switch k {
	case PTEInvalid:
		return "invalid"
	case PTEDummy:
		return "dummy"
	case PTEMapped:
		return "mapped"
	default:
		return fmt.Sprintf("PTEKind(%d)", uint8(k))
	}
}

// PTE is a decoded page table entry.
type PTE struct {
	Kind PTEKind
	Phys gpuarch.PhysAddr

	Readable        bool
	Writable        bool
	CacheConsistent bool
	EDMProtect      bool
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if p.Kind != PTEMapped {
		return p.Kind.String()
	}
	perm := []byte("--")
	if p.Readable {
		perm[0] = 'r'
	}
	if p.Writable {
		perm[1] = 'w'
	}
	s := fmt.Sprintf("%v %s", p.Phys, perm)
	if p.CacheConsistent {
		s += " cc"
	}
	if p.EDMProtect {
		s += " edm"
	}
	return s
}

// dummyAddrs holds the physical addresses substituted for empty entries
// under UnmapDummyPage. The zero value means the policy is off.
type dummyAddrs struct {
	enabled bool
	table   gpuarch.PhysAddr
	data    gpuarch.PhysAddr
}

func checkEntryAddr(p gpuarch.PhysAddr) error {
	if p%gpuarch.PageSize != 0 || p >= gpuarch.PhysAddrLimit {
		return errors.Newf(errors.BadMapping, "physical address %v cannot be encoded in an entry", p)
	}
	return nil
}

func pdePageSizeCode(ps gpuarch.DataPageSize) uint32 {
	return uint32((ps.Shift()-gpuarch.PageShift)/2) << pdePageSizeShift
}

// encodePDE returns the raw form of e.
func encodePDE(e PDE, dummy dummyAddrs) (uint32, error) {
	switch e.Kind {
	case PDEInvalid:
		return 0, nil
	case PDEDummy:
		if !dummy.enabled {
			return 0, errors.New(errors.Internal, "dummy PDE without a dummy page table")
		}
		return uint32(dummy.table) | pdePageSizeCode(gpuarch.Page4K) | entryValid, nil
	case PDEPresent:
		if !e.PageSize.Valid() {
			return 0, errors.Newf(errors.InvalidParams, "bad page size %#x", uint64(e.PageSize))
		}
		if err := checkEntryAddr(e.Table); err != nil {
			return 0, err
		}
		return uint32(e.Table) | pdePageSizeCode(e.PageSize) | entryValid, nil
	default:
		return 0, errors.Newf(errors.Internal, "unknown PDE kind %d", e.Kind)
	}
}

// decodePDE returns the tagged form of raw.
func decodePDE(raw uint32, dummy dummyAddrs) PDE {
	if raw&entryValid == 0 {
		return PDE{Kind: PDEInvalid}
	}
	addr := gpuarch.PhysAddr(raw & entryAddrMask)
	ps := gpuarch.DataPageSize(1) << (gpuarch.PageShift + 2*((raw&pdePageSizeMask)>>pdePageSizeShift))
	if dummy.enabled && addr == dummy.table {
		return PDE{Kind: PDEDummy, Table: addr, PageSize: ps}
	}
	return PDE{Kind: PDEPresent, Table: addr, PageSize: ps}
}

// encodePTE returns the raw form of e.
func encodePTE(e PTE, dummy dummyAddrs) (uint32, error) {
	switch e.Kind {
	case PTEInvalid:
		return 0, nil
	case PTEDummy:
		if !dummy.enabled {
			return 0, errors.New(errors.Internal, "dummy PTE without a dummy data page")
		}
		return uint32(dummy.data) | entryValid, nil
	case PTEMapped:
		if err := checkEntryAddr(e.Phys); err != nil {
			return 0, err
		}
		raw := uint32(e.Phys) | entryValid
		switch {
		case e.Readable && !e.Writable:
			raw |= pteReadOnly
		case e.Writable && !e.Readable:
			raw |= pteWriteOnly
		}
		if e.CacheConsistent {
			raw |= pteCacheConsistent
		}
		if e.EDMProtect {
			raw |= pteEDMProtect
		}
		return raw, nil
	default:
		return 0, errors.Newf(errors.Internal, "unknown PTE kind %d", e.Kind)
	}
}

// decodePTE returns the tagged form of raw.
func decodePTE(raw uint32, dummy dummyAddrs) PTE {
	if raw&entryValid == 0 {
		return PTE{Kind: PTEInvalid}
	}
	addr := gpuarch.PhysAddr(raw & entryAddrMask)
	if dummy.enabled && addr == dummy.data {
		return PTE{Kind: PTEDummy, Phys: addr}
	}
	return PTE{
		Kind:            PTEMapped,
		Phys:            addr,
		Readable:        raw&pteWriteOnly == 0,
		Writable:        raw&pteReadOnly == 0,
		CacheConsistent: raw&pteCacheConsistent != 0,
		EDMProtect:      raw&pteEDMProtect != 0,
	}
}

// readEntry returns raw entry i of a directory or table page.
func readEntry(data []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(data[i*gpuarch.EntrySize:])
}

// writeEntry sets raw entry i of a directory or table page.
func writeEntry(data []byte, i uint32, raw uint32) {
	binary.LittleEndian.PutUint32(data[i*gpuarch.EntrySize:], raw)
}
