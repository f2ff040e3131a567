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

// Package gpuarch contains address types and translation geometry of the
// SGX MMU: a 32-bit device virtual address space split by a 1024-entry
// page directory into 4 MiB slots, each backed by one page table.
package gpuarch

import (
	"fmt"
	"math/bits"
)

const (
	// PageShift is the binary log of the MMU's base page size, which is also
	// the size and alignment of directory and table pages.
	PageShift = 12

	// PageSize is the MMU's base page size.
	PageSize = 1 << PageShift

	// DirShift is the binary log of the span covered by one directory entry.
	DirShift = 22

	// DirSpan is the span of device virtual addresses covered by one
	// directory entry (and therefore by one page table).
	DirSpan = 1 << DirShift

	// DirEntries is the number of entries in a page directory.
	DirEntries = 1 << (AddrBits - DirShift)

	// AddrBits is the width of a device virtual address.
	AddrBits = 32

	// AddrSpace is the size of the device virtual address space.
	AddrSpace = 1 << AddrBits

	// EntrySize is the size in bytes of a raw directory or table entry.
	EntrySize = 4

	// PhysAddrLimit is the exclusive upper bound on physical addresses
	// representable in an entry.
	PhysAddrLimit = 1 << 32
)

// Addr is a device virtual address.
type Addr uint64

// PhysAddr is a device physical address.
type PhysAddr uint64

// CPUAddr is a CPU linear address of memory shared with the device.
type CPUAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#08x", uint64(v))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#08x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not leave the device address space.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v && uint64(end) <= AddrSpace
	return
}

// DirIndex returns the page directory index translating v.
func (v Addr) DirIndex() uint32 {
	return uint32(uint64(v)>>DirShift) & (DirEntries - 1)
}

// TableIndex returns the index of v within its page table, for tables whose
// entries map pages of the given size.
func (v Addr) TableIndex(ps DataPageSize) uint32 {
	return uint32((uint64(v) & (DirSpan - 1)) >> ps.Shift())
}

// DirBase returns the first address translated by directory entry i.
func DirBase(i uint32) Addr {
	return Addr(uint64(i) << DirShift)
}

// AddrRange is a range of device virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// IsSupersetOf returns true if ar is a superset of other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// DirIndices returns the first directory index touched by ar and the number
// of directory entries it spans. An empty range spans none.
func (ar AddrRange) DirIndices() (first, count uint32) {
	if ar.End <= ar.Start {
		return ar.Start.DirIndex(), 0
	}
	first = uint32(uint64(ar.Start) >> DirShift)
	last := uint32(uint64(ar.End-1) >> DirShift)
	return first, last - first + 1
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// DataPageSize is the size of the data pages mapped by a page table. All
// entries of one table map pages of the same size; the size is recorded in
// the directory entry.
type DataPageSize uint64

// Supported data page sizes.
const (
	Page4K   DataPageSize = 4 << 10
	Page16K  DataPageSize = 16 << 10
	Page64K  DataPageSize = 64 << 10
	Page256K DataPageSize = 256 << 10
	Page1M   DataPageSize = 1 << 20
	Page4M   DataPageSize = 4 << 20
)

// Valid returns true if ps is a supported data page size.
func (ps DataPageSize) Valid() bool {
	switch ps {
	case Page4K, Page16K, Page64K, Page256K, Page1M, Page4M:
		return true
	}
	return false
}

// Shift returns the binary log of ps.
func (ps DataPageSize) Shift() uint {
	return uint(bits.TrailingZeros64(uint64(ps)))
}

// TableEntries returns the number of entries in a page table mapping pages
// of size ps.
func (ps DataPageSize) TableEntries() uint32 {
	return uint32(DirSpan / uint64(ps))
}

// TableBytes returns the size of the memory block backing one page table for
// pages of size ps. Tables never occupy less than one base page.
func (ps DataPageSize) TableBytes() uint64 {
	n := uint64(ps.TableEntries()) * EntrySize
	if n < PageSize {
		return PageSize
	}
	return n
}

// String implements fmt.Stringer.String.
func (ps DataPageSize) String() string {
	if ps >= Page1M {
		return fmt.Sprintf("%dM", uint64(ps)>>20)
	}
	return fmt.Sprintf("%dK", uint64(ps)>>10)
}
