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

// Package mmu implements the page table engine of an SGX-style GPU MMU.
//
// The device translates 32-bit virtual addresses through a two level
// structure: a 1024-entry page directory per context, each entry covering
// 4MB and pointing at a page table whose entries map data pages of the size
// recorded in the directory entry.
//
// Lock order:
//
//	Device.registryMu
//	  Context.mu
//	    Device.tablesMu
//
// Device.bifMu is independent of the others. Physical memory is never
// allocated while a Context.mu is held.
package mmu

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
	"gvisor.dev/sgxmmu/pkg/sync"
)

// UnmapPolicy determines what empty entries hold.
type UnmapPolicy uint8

const (
	// UnmapZero leaves empty directory and table entries zeroed.
	UnmapZero UnmapPolicy = iota

	// UnmapDummyPage points empty table entries at a device-owned dummy
	// data page and empty directory entries at a dummy page table, so that
	// stray device accesses hit harmless memory instead of faulting.
	UnmapDummyPage
)

func (p UnmapPolicy) String() string {
	switch p {
	case UnmapZero:
		return "zero"
	case UnmapDummyPage:
		return "dummy"
	default:
		return fmt.Sprintf("UnmapPolicy(%d)", uint8(p))
	}
}

// ParseUnmapPolicy parses the String form of an UnmapPolicy.
func ParseUnmapPolicy(s string) (UnmapPolicy, error) {
	switch s {
	case "zero", "":
		return UnmapZero, nil
	case "dummy":
		return UnmapDummyPage, nil
	default:
		return 0, errors.Newf(errors.InvalidParams, "unknown unmap policy %q", s)
	}
}

// Opts configures a Device.
type Opts struct {
	// Allocator provides directory, table and dummy pages. Required.
	Allocator physmem.Allocator

	// Translator resolves CPU addresses for Heap.MapShadow. If nil,
	// MapShadow fails with ErrBadMapping.
	Translator physmem.Translator

	// Recorder receives every allocation and entry write. Defaults to
	// pdump.Noop.
	Recorder pdump.Recorder

	// UnmapPolicy selects what empty entries hold.
	UnmapPolicy UnmapPolicy

	// Strict makes invariant violations panic instead of being logged.
	Strict bool

	// Logger receives invariant violation reports. Defaults to a rate
	// limited view of the global logger.
	Logger log.Logger
}

// CacheFlush is a set of device MMU caches that must be invalidated before
// the next command is submitted.
type CacheFlush uint32

// Cache flush bits.
const (
	FlushDirectory CacheFlush = 1 << iota
	FlushPageTable
)

// Device is the per-device MMU state: the context registry, the dummy pages,
// the BIF reset block and the cache invalidation flags.
type Device struct {
	// The following fields are immutable after NewDevice.
	alloc      physmem.Allocator
	translator physmem.Translator
	recorder   pdump.Recorder
	policy     UnmapPolicy
	strict     bool
	warn       log.Logger

	// dummyTable and dummyData are only allocated under UnmapDummyPage.
	dummyTable physmem.Block
	dummyData  physmem.Block
	dummy      dummyAddrs

	// registryMu protects the fields below.
	registryMu sync.Mutex

	// contexts is the set of live contexts, in creation order.
	contexts []*Context

	// kernel is the first context created. Heaps that belong to every
	// context are normally created in it.
	kernel *Context

	nextID uint64

	// tablesMu protects tables.
	tablesMu sync.Mutex

	// tables indexes every live page table by physical address, so that a
	// context can resolve a directory entry that points at a table owned by
	// another context.
	tables map[gpuarch.PhysAddr]*pageTable

	// flush holds the pending CacheFlush bits.
	flush atomic.Uint32

	// violations counts invariant violations on this device.
	violations atomic.Uint64

	bifMu sync.Mutex
	bif   *bifReset
}

// NewDevice returns a new Device.
func NewDevice(opts Opts) (*Device, error) {
	if opts.Allocator == nil {
		return nil, errors.New(errors.InvalidParams, "no physical allocator")
	}
	d := &Device{
		alloc:      opts.Allocator,
		translator: opts.Translator,
		recorder:   opts.Recorder,
		policy:     opts.UnmapPolicy,
		strict:     opts.Strict,
		warn:       opts.Logger,
		tables:     make(map[gpuarch.PhysAddr]*pageTable),
	}
	if d.recorder == nil {
		d.recorder = pdump.Noop{}
	}
	if d.warn == nil {
		d.warn = log.BasicRateLimitedLogger(time.Second)
	}
	switch d.policy {
	case UnmapZero:
	case UnmapDummyPage:
		if err := d.allocDummyPages(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Newf(errors.InvalidParams, "unknown unmap policy %d", d.policy)
	}
	return d, nil
}

// allocDummyPages allocates the dummy page table and data page. Every entry
// of the dummy table points at the dummy data page.
func (d *Device) allocDummyPages() error {
	data, err := d.alloc.Allocate(gpuarch.PageSize)
	if err != nil {
		return fmt.Errorf("allocating dummy data page: %w", err)
	}
	table, err := d.alloc.Allocate(gpuarch.PageSize)
	if err != nil {
		d.alloc.Free(data)
		return fmt.Errorf("allocating dummy page table: %w", err)
	}
	if err := checkEntryAddr(data.Phys); err != nil {
		d.alloc.Free(data)
		d.alloc.Free(table)
		return err
	}
	if err := checkEntryAddr(table.Phys); err != nil {
		d.alloc.Free(data)
		d.alloc.Free(table)
		return err
	}
	clear(data.Data)
	d.recorder.Alloc(pdump.DummyData, data.Phys, data.Size())
	d.recorder.Alloc(pdump.DummyTable, table.Phys, table.Size())

	d.dummyData = data
	d.dummyTable = table
	d.dummy = dummyAddrs{enabled: true, table: table.Phys, data: data.Phys}

	raw := d.emptyPTE()
	for i := uint32(0); i < gpuarch.Page4K.TableEntries(); i++ {
		writeEntry(table.Data, i, raw)
		d.recorder.WriteEntry(pdump.DummyTable, table.Phys, i, raw)
	}
	return nil
}

// Release frees the device's own pages. All contexts must have been
// finalised.
func (d *Device) Release() {
	d.registryMu.Lock()
	live := len(d.contexts)
	d.registryMu.Unlock()
	if live != 0 {
		d.invariantf(violationLeak, "device released with %d live contexts", live)
	}

	d.BIFResetFree()

	if d.dummy.enabled {
		d.recorder.Free(pdump.DummyTable, d.dummyTable.Phys, d.dummyTable.Size())
		d.recorder.Free(pdump.DummyData, d.dummyData.Phys, d.dummyData.Size())
		d.alloc.Free(d.dummyTable)
		d.alloc.Free(d.dummyData)
		d.dummy = dummyAddrs{}
		d.dummyTable = physmem.Block{}
		d.dummyData = physmem.Block{}
	}
}

// UnmapPolicy returns the device's unmap policy.
func (d *Device) UnmapPolicy() UnmapPolicy {
	return d.policy
}

// KernelContext returns the first live context created on the device, or
// nil.
func (d *Device) KernelContext() *Context {
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	return d.kernel
}

// Contexts returns a snapshot of the live contexts.
func (d *Device) Contexts() []*Context {
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	return append([]*Context(nil), d.contexts...)
}

// DummyPages returns the physical addresses of the dummy page table and data
// page. ok is false unless the policy is UnmapDummyPage.
func (d *Device) DummyPages() (table, data gpuarch.PhysAddr, ok bool) {
	return d.dummy.table, d.dummy.data, d.dummy.enabled
}

// InvalidateDirectoryCache marks the device's directory cache dirty.
func (d *Device) InvalidateDirectoryCache() {
	d.setFlush(FlushDirectory)
}

// InvalidatePageTableCache marks the device's page table cache dirty.
func (d *Device) InvalidatePageTableCache() {
	d.setFlush(FlushPageTable)
}

func (d *Device) setFlush(f CacheFlush) {
	for {
		old := d.flush.Load()
		if old&uint32(f) == uint32(f) || d.flush.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// PendingFlush returns the pending cache flush bits without clearing them.
func (d *Device) PendingFlush() CacheFlush {
	return CacheFlush(d.flush.Load())
}

// TakeCacheFlush returns and clears the pending cache flush bits. It is
// called by the command scheduler before submitting work.
func (d *Device) TakeCacheFlush() (dir, pt bool) {
	f := CacheFlush(d.flush.Swap(0))
	return f&FlushDirectory != 0, f&FlushPageTable != 0
}

// Violations returns the number of invariant violations detected on d.
func (d *Device) Violations() uint64 {
	return d.violations.Load()
}

// invariantf reports a broken engine invariant. The engine never acts on a
// violation beyond refusing to corrupt counts.
func (d *Device) invariantf(kind, format string, v ...any) {
	d.violations.Add(1)
	invariantViolations.Increment(kind)
	msg := fmt.Sprintf(format, v...)
	if d.strict {
		panic(fmt.Sprintf("mmu: %s: %s", kind, msg))
	}
	d.warn.Warningf("mmu: invariant violation (%s): %s", kind, msg)
}

// emptyPDE returns the raw directory entry for an empty slot.
func (d *Device) emptyPDE() uint32 {
	if !d.dummy.enabled {
		return 0
	}
	raw, _ := encodePDE(PDE{Kind: PDEDummy}, d.dummy)
	return raw
}

// emptyPTE returns the raw table entry for an unmapped page.
func (d *Device) emptyPTE() uint32 {
	if !d.dummy.enabled {
		return 0
	}
	raw, _ := encodePTE(PTE{Kind: PTEDummy}, d.dummy)
	return raw
}

// decodePDE decodes a raw directory entry of this device.
func (d *Device) decodePDE(raw uint32) PDE {
	return decodePDE(raw, d.dummy)
}

// decodePTE decodes a raw table entry of this device.
func (d *Device) decodePTE(raw uint32) PTE {
	return decodePTE(raw, d.dummy)
}

// allocPage allocates size bytes of page-aligned device memory and fills it
// with fill. It must not be called with a Context.mu held.
func (d *Device) allocPage(kind pdump.Kind, size uint64, fill uint32) (physmem.Block, error) {
	b, err := d.alloc.Allocate(size)
	if err != nil {
		return physmem.Block{}, err
	}
	if err := checkEntryAddr(b.Phys); err != nil {
		d.alloc.Free(b)
		return physmem.Block{}, err
	}
	d.recorder.Alloc(kind, b.Phys, b.Size())
	if fill == 0 {
		clear(b.Data)
		return b, nil
	}
	for i := uint32(0); i < uint32(b.Size()/gpuarch.EntrySize); i++ {
		writeEntry(b.Data, i, fill)
		d.recorder.WriteEntry(kind, b.Phys, i, fill)
	}
	return b, nil
}

// freePage releases a block allocated by allocPage.
func (d *Device) freePage(kind pdump.Kind, b physmem.Block) {
	d.recorder.Free(kind, b.Phys, b.Size())
	d.alloc.Free(b)
}
