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

// Package physmem provides the device physical memory collaborators of the
// MMU engine: a page allocator and a CPU to physical address translator.
//
// Pool is a simulated device memory region used by tests and by mmuctl; a
// real driver would provide its own Allocator and Translator backed by the
// OS.
package physmem

import (
	"fmt"

	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/sync"
)

// Handle identifies an allocation to the allocator that produced it.
type Handle uint64

// Block is a page-aligned allocation of device memory.
type Block struct {
	// Data is the CPU view of the memory.
	Data []byte

	// Phys is the device physical address of Data[0].
	Phys gpuarch.PhysAddr

	// CPU is the CPU linear address of Data[0].
	CPU gpuarch.CPUAddr

	// Handle is the allocator's handle for this block.
	Handle Handle
}

// Size returns the size of the block in bytes.
func (b Block) Size() uint64 {
	return uint64(len(b.Data))
}

// Allocator allocates page-aligned device memory.
type Allocator interface {
	// Allocate returns a block of at least size bytes, rounded up to whole
	// pages. It returns an error matching errors.ErrOutOfMemory when memory
	// is exhausted.
	Allocate(size uint64) (Block, error)

	// Free releases a block returned by Allocate.
	Free(b Block)
}

// Translator resolves CPU linear addresses to device physical addresses.
type Translator interface {
	// Translate returns the physical address backing addr. ok is false if
	// addr is not backed by device-visible memory.
	Translate(addr gpuarch.CPUAddr) (phys gpuarch.PhysAddr, ok bool)
}

// Pool is a contiguous region of simulated device memory with a linear CPU
// view. It implements both Allocator and Translator.
type Pool struct {
	// physBase and cpuBase are immutable.
	physBase gpuarch.PhysAddr
	cpuBase  gpuarch.CPUAddr

	// release, if non-nil, releases mem.
	release func([]byte) error

	mu sync.Mutex

	// mem is the backing memory; nil after Close.
	mem []byte

	// frames tracks allocated pages.
	frames frames

	// live maps handles to page counts of outstanding blocks.
	live map[Handle]uint32
}

// NewPool returns a pool of the given number of pages backed by Go memory.
// Page i has physical address physBase+i*PageSize and CPU address
// cpuBase+i*PageSize.
func NewPool(physBase gpuarch.PhysAddr, cpuBase gpuarch.CPUAddr, pages uint32) (*Pool, error) {
	return newPool(physBase, cpuBase, make([]byte, uint64(pages)*gpuarch.PageSize), nil)
}

func newPool(physBase gpuarch.PhysAddr, cpuBase gpuarch.CPUAddr, mem []byte, release func([]byte) error) (*Pool, error) {
	if physBase%gpuarch.PageSize != 0 || cpuBase%gpuarch.PageSize != 0 {
		return nil, errors.Newf(errors.InvalidParams, "pool bases %v/%#x are not page aligned", physBase, uint64(cpuBase))
	}
	pages := uint32(uint64(len(mem)) / gpuarch.PageSize)
	if pages == 0 {
		return nil, errors.New(errors.InvalidParams, "empty pool")
	}
	if uint64(physBase)+uint64(len(mem)) > gpuarch.PhysAddrLimit {
		return nil, errors.Newf(errors.InvalidParams, "pool [%v, +%#x) exceeds the physical address limit", physBase, len(mem))
	}
	return &Pool{
		physBase: physBase,
		cpuBase:  cpuBase,
		release:  release,
		mem:      mem,
		frames:   newFrames(pages),
		live:     make(map[Handle]uint32),
	}, nil
}

// Allocate implements Allocator.Allocate.
func (p *Pool) Allocate(size uint64) (Block, error) {
	if size == 0 {
		return Block{}, errors.New(errors.InvalidParams, "zero-sized allocation")
	}
	count64 := (size + gpuarch.PageSize - 1) / gpuarch.PageSize
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return Block{}, errors.New(errors.InvalidParams, "pool is closed")
	}
	if count64 > uint64(p.frames.n) {
		return Block{}, errors.Newf(errors.OutOfMemory, "%d pages requested from a %d page pool", count64, p.frames.n)
	}
	count := uint32(count64)
	first, ok := p.frames.findRun(count)
	if !ok {
		return Block{}, errors.Newf(errors.OutOfMemory, "no run of %d free pages (%d/%d used)", count, p.frames.used, p.frames.n)
	}
	p.frames.setRange(first, count)
	h := Handle(first) + 1
	p.live[h] = count

	off := uint64(first) * gpuarch.PageSize
	end := off + uint64(count)*gpuarch.PageSize
	return Block{
		Data:   p.mem[off:end:end],
		Phys:   p.physBase + gpuarch.PhysAddr(off),
		CPU:    p.cpuBase + gpuarch.CPUAddr(off),
		Handle: h,
	}, nil
}

// Free implements Allocator.Free.
func (p *Pool) Free(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.live[b.Handle]
	if !ok {
		panic(fmt.Sprintf("physmem: free of unknown block handle %d at %v", b.Handle, b.Phys))
	}
	delete(p.live, b.Handle)
	p.frames.clearRange(uint32(b.Handle-1), count)
}

// Translate implements Translator.Translate.
func (p *Pool) Translate(addr gpuarch.CPUAddr) (gpuarch.PhysAddr, bool) {
	if addr < p.cpuBase || uint64(addr-p.cpuBase) >= uint64(len(p.mem)) {
		return 0, false
	}
	return p.physBase + gpuarch.PhysAddr(addr-p.cpuBase), true
}

// Bytes returns the CPU view of size bytes of pool memory at phys. It is used
// by diagnostics to read back memory the pool handed out.
func (p *Pool) Bytes(phys gpuarch.PhysAddr, size uint64) ([]byte, bool) {
	if phys < p.physBase {
		return nil, false
	}
	off := uint64(phys - p.physBase)
	if off+size > uint64(len(p.mem)) || off+size < off {
		return nil, false
	}
	return p.mem[off : off+size], true
}

// Usage returns the number of used and total pages.
func (p *Pool) Usage() (used, total uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames.used, p.frames.n
}

// Outstanding returns the number of live blocks.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close releases the pool's memory. Blocks must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mem := p.mem
	p.mem = nil
	if mem == nil || p.release == nil {
		return nil
	}
	return p.release(mem)
}
