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
	"bytes"
	stderrors "errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

const (
	testPhysBase = gpuarch.PhysAddr(0x100000)
	testCPUBase  = gpuarch.CPUAddr(0x7f0000000000)
	page         = gpuarch.PageSize
)

var (
	generalHeap    = HeapInfo{Name: "general", Type: HeapGeneral, Base: 0x10000000, Size: 0x1000000}
	sharedHeap     = HeapInfo{Name: "shared", Type: HeapShared, Base: 0x20000000, Size: 0x800000}
	perContextHeap = HeapInfo{Name: "per_context", Type: HeapPerContext, Base: 0x30000000, Size: 0x400000}
)

type testEnv struct {
	t    *testing.T
	pool *physmem.Pool
	dev  *Device
}

// newTestEnv returns a device over a pool of the given size. opts.Allocator
// and opts.Translator default to the pool.
func newTestEnv(t *testing.T, pages uint32, opts Opts) *testEnv {
	t.Helper()
	pool, err := physmem.NewPool(testPhysBase, testCPUBase, pages)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if opts.Allocator == nil {
		opts.Allocator = pool
	}
	if opts.Translator == nil {
		opts.Translator = pool
	}
	if opts.Logger == nil {
		opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	}
	dev, err := NewDevice(opts)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return &testEnv{t: t, pool: pool, dev: dev}
}

func (e *testEnv) context() *Context {
	e.t.Helper()
	c, pd, err := e.dev.NewContext()
	if err != nil {
		e.t.Fatalf("NewContext: %v", err)
	}
	if got := c.DirectoryPhysAddr(); got != pd {
		e.t.Errorf("DirectoryPhysAddr() = %v, want %v", got, pd)
	}
	return c
}

func (e *testEnv) heap(c *Context, info HeapInfo) *Heap {
	e.t.Helper()
	h, _, err := c.CreateHeap(info)
	if err != nil {
		e.t.Fatalf("CreateHeap(%+v): %v", info, err)
	}
	return h
}

func (e *testEnv) checkOutstanding(want int) {
	e.t.Helper()
	if got := e.pool.Outstanding(); got != want {
		e.t.Errorf("outstanding blocks = %d, want %d", got, want)
	}
}

func (e *testEnv) checkViolations(want uint64) {
	e.t.Helper()
	if got := e.dev.Violations(); got != want {
		e.t.Errorf("invariant violations = %d, want %d", got, want)
	}
}

func TestScenarioAllocMapFree(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	e.dev.TakeCacheFlush()

	va, err := h.Alloc(16*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if va != 0x10000000 {
		t.Fatalf("Alloc = %v, want 0x10000000", va)
	}
	dir := va.DirIndex()
	if n, ok := h.ValidCount(dir); !ok || n != 0 {
		t.Errorf("after Alloc: ValidCount(%d) = %d, %t, want 0, true", dir, n, ok)
	}
	if pde := c.PDE(dir); pde.Kind != PDEPresent || pde.PageSize != gpuarch.Page4K {
		t.Errorf("after Alloc: PDE(%d) = %+v, want present 4K table", dir, pde)
	}

	if err := h.MapPages(va, 0x200000, 16, MapRead|MapWrite); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	for i := 0; i < 16; i++ {
		addr := va + gpuarch.Addr(i*page)
		want := gpuarch.PhysAddr(0x200000 + i*page)
		if got, ok := h.PhysPageAddr(addr); !ok || got != want {
			t.Errorf("PhysPageAddr(%v) = %v, %t, want %v, true", addr, got, ok, want)
		}
	}
	if n, _ := h.ValidCount(dir); n != 16 {
		t.Errorf("after MapPages: ValidCount(%d) = %d, want 16", dir, n)
	}
	if dirFlush, ptFlush := e.dev.TakeCacheFlush(); !dirFlush || !ptFlush {
		t.Errorf("after Alloc and MapPages: TakeCacheFlush() = %t, %t, want true, true", dirFlush, ptFlush)
	}

	if err := h.Free(va, 16*page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if n, ok := h.ValidCount(dir); ok {
		t.Errorf("after Free: slot %d still holds a table with %d entries", dir, n)
	}
	if pde := c.PDE(dir); pde.Kind != PDEInvalid {
		t.Errorf("after Free: PDE(%d) = %+v, want invalid", dir, pde)
	}
	if _, ok := h.PhysPageAddr(va); ok {
		t.Errorf("after Free: %v still mapped", va)
	}
	if dirFlush, ptFlush := e.dev.TakeCacheFlush(); !dirFlush || !ptFlush {
		t.Errorf("after Free: TakeCacheFlush() = %t, %t, want true, true", dirFlush, ptFlush)
	}
	e.checkOutstanding(1)

	h.Delete()
	c.Finalise()
	e.checkOutstanding(0)
	e.checkViolations(0)
}

func TestScenarioSharedHeap(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	k := e.context()
	if got := e.dev.KernelContext(); got != k {
		t.Fatalf("KernelContext() = %v, want first context", got)
	}
	sh := e.heap(k, sharedHeap)
	c1, c2 := e.context(), e.context()
	for _, c := range []*Context{c1, c2} {
		if err := c.InsertHeap(sh); err != nil {
			t.Fatalf("InsertHeap: %v", err)
		}
	}

	va, err := sh.Alloc(2*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := sh.MapPages(va, 0x300000, 2, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	dir := va.DirIndex()
	want := k.PDE(dir)
	if want.Kind != PDEPresent {
		t.Fatalf("kernel PDE(%d) = %+v, want present", dir, want)
	}
	for _, c := range []*Context{k, c1, c2} {
		if got := c.PDE(dir); !cmp.Equal(got, want) {
			t.Errorf("context %d: PDE(%d) = %+v, want %+v", c.ID(), dir, got, want)
		}
		if got, ok := c.Translate(va + page); !ok || got != 0x301000 {
			t.Errorf("context %d: Translate(%v) = %v, %t, want 0x301000, true", c.ID(), va+page, got, ok)
		}
	}
	// Three directories and a single table.
	if used, _ := e.pool.Usage(); used != 4 {
		t.Errorf("pages in use = %d, want 4", used)
	}

	c3 := e.context()
	if got := c3.PDE(dir); got.Kind != PDEInvalid {
		t.Errorf("new context: PDE(%d) = %+v before InsertHeap, want invalid", dir, got)
	}
	if err := c3.InsertHeap(sh); err != nil {
		t.Fatalf("InsertHeap: %v", err)
	}
	if got, ok := c3.Translate(va); !ok || got != 0x300000 {
		t.Errorf("new context: Translate(%v) = %v, %t, want 0x300000, true", va, got, ok)
	}

	pc := e.heap(c1, perContextHeap)
	pva, err := pc.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := pc.MapPages(pva, 0x400000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if got, ok := c1.Translate(pva); !ok || got != 0x400000 {
		t.Errorf("owner: Translate(%v) = %v, %t, want 0x400000, true", pva, got, ok)
	}
	for _, c := range []*Context{k, c2, c3} {
		if got, ok := c.Translate(pva); ok {
			t.Errorf("context %d: per-context mapping %v visible as %v", c.ID(), pva, got)
		}
		if got := c.PDE(pva.DirIndex()); got.Kind != PDEInvalid {
			t.Errorf("context %d: PDE(%d) = %+v, want invalid", c.ID(), pva.DirIndex(), got)
		}
	}
	if err := c2.InsertHeap(pc); !stderrors.Is(err, errors.ErrInvalidParams) {
		t.Errorf("InsertHeap(per-context heap) = %v, want %v", err, errors.ErrInvalidParams)
	}

	if err := sh.Free(va, 2*page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	for _, c := range []*Context{k, c1, c2, c3} {
		if got := c.PDE(dir); got.Kind != PDEInvalid {
			t.Errorf("context %d: after Free PDE(%d) = %+v, want invalid", c.ID(), dir, got)
		}
	}

	pc.Delete()
	sh.Delete()
	for _, c := range []*Context{c3, c2, c1, k} {
		c.Finalise()
	}
	if got := e.dev.KernelContext(); got != nil {
		t.Errorf("KernelContext() after Finalise = %v, want nil", got)
	}
	e.checkOutstanding(0)
	e.checkViolations(0)
}

func TestRoundTrip(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	rng := rand.New(rand.NewSource(1))
	flagSets := []MapFlags{0, MapRead, MapWrite, MapRead | MapWrite | MapCacheConsistent, MapRead | MapEDMProtect}

	for iter := 0; iter < 50; iter++ {
		n := 1 + rng.Intn(64)
		va, err := h.Alloc(uint64(n)*page, 0)
		if err != nil {
			t.Fatalf("Alloc(%d pages): %v", n, err)
		}
		pages := make([]gpuarch.PhysAddr, n)
		for i := range pages {
			pages[i] = gpuarch.PhysAddr(rng.Uint32()) &^ (page - 1)
		}
		flags := flagSets[rng.Intn(len(flagSets))]
		if err := h.MapScatter(va, pages, flags); err != nil {
			t.Fatalf("MapScatter: %v", err)
		}
		want := flags.pte(0)
		for i, phys := range pages {
			addr := va + gpuarch.Addr(i*page)
			if got, ok := h.PhysPageAddr(addr); !ok || got != phys {
				t.Fatalf("PhysPageAddr(%v) = %v, %t, want %v, true", addr, got, ok, phys)
			}
			if got, ok := c.Translate(addr); !ok || got != phys {
				t.Fatalf("Translate(%v) = %v, %t, want %v, true", addr, got, ok, phys)
			}
			pte, _ := h.PTE(addr)
			want.Phys = phys
			if !cmp.Equal(pte, want) {
				t.Fatalf("PTE(%v) = %+v, want %+v", addr, pte, want)
			}
		}
		if err := h.Free(va, uint64(n)*page); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	e.checkOutstanding(1)
	e.checkViolations(0)
}

func TestNoAliasing(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	rng := rand.New(rand.NewSource(2))

	type mapping struct {
		va    gpuarch.Addr
		phys  gpuarch.PhysAddr
		pages int
		freed bool
	}
	var (
		ms   []*mapping
		next = gpuarch.PhysAddr(0x1000000)
	)
	for i := 0; i < 40; i++ {
		n := 1 + rng.Intn(90)
		va, err := h.Alloc(uint64(n)*page, 0)
		if err != nil {
			t.Fatalf("Alloc(%d pages): %v", n, err)
		}
		m := &mapping{va: va, phys: next, pages: n}
		next += gpuarch.PhysAddr(n * page)
		if err := h.MapPages(m.va, m.phys, uint32(n), 0); err != nil {
			t.Fatalf("MapPages: %v", err)
		}
		ms = append(ms, m)
	}
	for _, m := range ms {
		if rng.Intn(2) == 0 {
			if err := h.Free(m.va, uint64(m.pages)*page); err != nil {
				t.Fatalf("Free: %v", err)
			}
			m.freed = true
		}
	}
	for _, m := range ms {
		for i := 0; i < m.pages; i++ {
			addr := m.va + gpuarch.Addr(i*page)
			got, ok := h.PhysPageAddr(addr)
			switch {
			case m.freed && ok:
				t.Errorf("freed %v still maps %v", addr, got)
			case !m.freed && (!ok || got != m.phys+gpuarch.PhysAddr(i*page)):
				t.Errorf("PhysPageAddr(%v) = %v, %t, want %v, true", addr, got, ok, m.phys+gpuarch.PhysAddr(i*page))
			}
		}
	}
	h.Delete()
	c.Finalise()
	e.checkOutstanding(0)
	e.checkViolations(0)
}

func TestTableLifecycle(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)

	// Two pages at the end of slot 64 and two at the start of slot 65.
	const va = gpuarch.Addr(0x103fe000)
	if err := h.AllocAt(va, 4*page); err != nil {
		t.Fatalf("AllocAt: %v", err)
	}
	if err := h.MapPages(va, 0x800000, 4, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	counts := func() [2]uint32 {
		a, _ := h.ValidCount(64)
		b, _ := h.ValidCount(65)
		return [2]uint32{a, b}
	}
	if got, want := counts(), [2]uint32{2, 2}; got != want {
		t.Errorf("valid counts = %v, want %v", got, want)
	}

	if err := h.UnmapPages(va, 1); err != nil {
		t.Fatalf("UnmapPages: %v", err)
	}
	if got, want := counts(), [2]uint32{1, 2}; got != want {
		t.Errorf("valid counts = %v, want %v", got, want)
	}
	if err := h.UnmapPages(va+page, 1); err != nil {
		t.Fatalf("UnmapPages: %v", err)
	}
	if _, ok := h.ValidCount(64); ok {
		t.Errorf("slot 64 still holds a table after its last page was unmapped")
	}
	if pde := c.PDE(64); pde.Kind != PDEInvalid {
		t.Errorf("PDE(64) = %+v, want invalid", pde)
	}
	if got, ok := h.PhysPageAddr(va + 2*page); !ok || got != 0x802000 {
		t.Errorf("PhysPageAddr(%v) = %v, %t, want 0x802000, true", va+2*page, got, ok)
	}

	// The reservation is still live, so mapping again brings the table back.
	if err := h.MapPages(va, 0x900000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if got, want := counts(), [2]uint32{1, 2}; got != want {
		t.Errorf("valid counts = %v, want %v", got, want)
	}

	if err := h.Free(va, 4*page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	for _, dir := range []uint32{64, 65} {
		if _, ok := h.ValidCount(dir); ok {
			t.Errorf("slot %d still holds a table after Free", dir)
		}
	}
	e.checkOutstanding(1)
	e.checkViolations(0)
}

func TestUnmapUnmappedPage(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(2*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.MapPages(va, 0x200000, 2, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.UnmapPages(va, 1); err != nil {
			t.Fatalf("UnmapPages: %v", err)
		}
	}
	e.checkViolations(1)
	if n, ok := h.ValidCount(va.DirIndex()); !ok || n != 1 {
		t.Errorf("ValidCount = %d, %t, want 1, true", n, ok)
	}
	if got, ok := h.PhysPageAddr(va + page); !ok || got != 0x201000 {
		t.Errorf("PhysPageAddr(%v) = %v, %t, want 0x201000, true", va+page, got, ok)
	}

	// Mapping a page twice keeps the count too.
	if err := h.MapPages(va+page, 0x205000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	e.checkViolations(2)
	if n, _ := h.ValidCount(va.DirIndex()); n != 1 {
		t.Errorf("ValidCount = %d, want 1", n)
	}
}

func TestStrictPanicsOnViolation(t *testing.T) {
	e := newTestEnv(t, 64, Opts{Strict: true})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("UnmapPages of an unmapped page did not panic")
		}
	}()
	h.UnmapPages(va, 1)
}

func TestSharedHeapOverlap(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	k := e.context()
	e.heap(k, generalHeap)
	sh := e.heap(k, sharedHeap)
	c := e.context()

	va, err := sh.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := sh.MapPages(va, 0x300000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	dir := va.DirIndex()
	want := k.PDE(dir)

	for _, tc := range []struct {
		name string
		info HeapInfo
	}{
		{"private over shared", HeapInfo{Name: "private", Type: HeapPerContext, Base: sharedHeap.Base, Size: 0x400000}},
		{"general over shared", HeapInfo{Name: "general", Type: HeapGeneral, Base: sharedHeap.Base + 0x400000, Size: 0x400000}},
		{"shared over general", HeapInfo{Name: "shared", Type: HeapShared, Base: generalHeap.Base, Size: 0x400000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := c.CreateHeap(tc.info); !stderrors.Is(err, errors.ErrInvalidParams) {
				t.Errorf("CreateHeap(%+v) = %v, want %v", tc.info, err, errors.ErrInvalidParams)
			}
		})
	}
	// Private heaps of different contexts may share a range.
	gh := e.heap(c, generalHeap)

	// Stand in for a private heap of c that slipped past CreateHeap.
	before := e.pool.Outstanding()
	stray := &Heap{ctx: c, info: HeapInfo{Name: "stray"}, pageSize: gpuarch.Page4K}
	if installed, err := stray.ensureTable(dir); installed || !stderrors.Is(err, errors.ErrInvalidParams) {
		t.Errorf("ensureTable over a mirrored entry = %t, %v, want false, %v", installed, err, errors.ErrInvalidParams)
	}
	e.checkViolations(1)
	e.checkOutstanding(before)
	if got := c.PDE(dir); !cmp.Equal(got, want) {
		t.Errorf("PDE(%d) = %+v, want %+v", dir, got, want)
	}
	if got, ok := c.Translate(va); !ok || got != 0x300000 {
		t.Errorf("Translate(%v) = %v, %t, want 0x300000, true", va, got, ok)
	}

	gh.Delete()
	c.Finalise()
	sh.Delete()
	k.Finalise()
	e.checkOutstanding(0)
}

func TestGranularityMismatch(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, HeapInfo{Name: "big", Type: HeapGeneral, Base: 0x40000000, Size: 0x800000, PageSize: gpuarch.Page64K})
	const dir = 0x40000000 >> gpuarch.DirShift

	// Stand in for a 4K heap of the same context owning the slot.
	other := &Heap{ctx: c, info: HeapInfo{Name: "other"}, pageSize: gpuarch.Page4K}
	if _, err := other.ensureTable(dir); err != nil {
		t.Fatalf("ensureTable: %v", err)
	}
	if err := h.MapPages(0x40000000, 0x500000, 1, 0); !stderrors.Is(err, errors.ErrBadMapping) {
		t.Errorf("MapPages into a 4K table = %v, want %v", err, errors.ErrBadMapping)
	}
	if !other.releaseSlot(dir, true) {
		t.Fatalf("releaseSlot did not free the table")
	}

	if err := h.MapPages(0x40000000, 0x500000, 2, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if pde := c.PDE(dir); pde.Kind != PDEPresent || pde.PageSize != gpuarch.Page64K {
		t.Errorf("PDE(%d) = %+v, want present 64K table", dir, pde)
	}
	if got, ok := h.PhysPageAddr(0x40010000); !ok || got != 0x510000 {
		t.Errorf("PhysPageAddr(0x40010000) = %v, %t, want 0x510000, true", got, ok)
	}
	if got, ok := c.Translate(0x40010000); !ok || got != 0x510000 {
		t.Errorf("Translate(0x40010000) = %v, %t, want 0x510000, true", got, ok)
	}
	h.Delete()
	c.Finalise()
	e.checkOutstanding(0)
	e.checkViolations(0)
}

func TestOutOfMemory(t *testing.T) {
	e := newTestEnv(t, 2, Opts{})
	c := e.context()
	h, arena, err := c.CreateHeap(generalHeap)
	if err != nil {
		t.Fatalf("CreateHeap: %v", err)
	}

	// Two slots need two tables, only one page is left.
	if _, err := h.Alloc(0x800000, 0); !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Errorf("Alloc = %v, want %v", err, errors.ErrOutOfMemory)
	}
	if got := arena.Allocated(); got != 0 {
		t.Errorf("arena still holds %#x bytes after failed Alloc", got)
	}
	e.checkOutstanding(1)

	if _, err := h.Alloc(page, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, _, err := e.dev.NewContext(); !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Errorf("NewContext = %v, want %v", err, errors.ErrOutOfMemory)
	}
	e.checkViolations(0)
}

func TestMapRollback(t *testing.T) {
	e := newTestEnv(t, 32, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(4*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	pages := []gpuarch.PhysAddr{0x200000, 0x201000, 0x100000000}
	if err := h.MapScatter(va, pages, 0); !stderrors.Is(err, errors.ErrBadMapping) {
		t.Errorf("MapScatter = %v, want %v", err, errors.ErrBadMapping)
	}
	for i := range pages {
		if got, ok := h.PhysPageAddr(va + gpuarch.Addr(i*page)); ok {
			t.Errorf("page %d left mapped to %v", i, got)
		}
	}

	b, err := e.pool.Allocate(2 * page)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := h.MapShadow(va, b.CPU, 2*page, MapRead); err != nil {
		t.Fatalf("MapShadow: %v", err)
	}
	for i := 0; i < 2; i++ {
		addr := va + gpuarch.Addr(i*page)
		if got, ok := h.PhysPageAddr(addr); !ok || got != b.Phys+gpuarch.PhysAddr(i*page) {
			t.Errorf("PhysPageAddr(%v) = %v, %t, want %v, true", addr, got, ok, b.Phys+gpuarch.PhysAddr(i*page))
		}
	}

	// The second page lies past the end of the pool.
	last := testCPUBase + gpuarch.CPUAddr(31*page)
	if err := h.MapShadow(va+2*page, last, 2*page, 0); !stderrors.Is(err, errors.ErrBadMapping) {
		t.Errorf("MapShadow past the pool = %v, want %v", err, errors.ErrBadMapping)
	}
	if got, ok := h.PhysPageAddr(va + 2*page); ok {
		t.Errorf("rolled back page left mapped to %v", got)
	}
	if got, ok := h.PhysPageAddr(va); !ok || got != b.Phys {
		t.Errorf("earlier mapping lost: PhysPageAddr(%v) = %v, %t", va, got, ok)
	}
	e.checkViolations(0)
}

func TestMapShadowWithoutTranslator(t *testing.T) {
	pool, err := physmem.NewPool(testPhysBase, testCPUBase, 8)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	dev, err := NewDevice(Opts{Allocator: pool})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	c, _, err := dev.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	h, _, err := c.CreateHeap(generalHeap)
	if err != nil {
		t.Fatalf("CreateHeap: %v", err)
	}
	if err := h.MapShadow(0x10000000, testCPUBase, page, 0); !stderrors.Is(err, errors.ErrBadMapping) {
		t.Errorf("MapShadow = %v, want %v", err, errors.ErrBadMapping)
	}
}

func TestMapValidation(t *testing.T) {
	e := newTestEnv(t, 8, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	for _, tc := range []struct {
		name  string
		va    gpuarch.Addr
		count uint32
	}{
		{"unaligned", 0x10000800, 1},
		{"empty", 0x10000000, 0},
		{"below heap", 0x0fff0000, 1},
		{"past heap", 0x10fff000, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.MapPages(tc.va, 0x200000, tc.count, 0); !stderrors.Is(err, errors.ErrInvalidParams) {
				t.Errorf("MapPages = %v, want %v", err, errors.ErrInvalidParams)
			}
			if err := h.UnmapPages(tc.va, tc.count); !stderrors.Is(err, errors.ErrInvalidParams) {
				t.Errorf("UnmapPages = %v, want %v", err, errors.ErrInvalidParams)
			}
		})
	}
	if err := h.Free(0x10000000, page); !stderrors.Is(err, errors.ErrInvalidParams) {
		t.Errorf("Free of unallocated range = %v, want %v", err, errors.ErrInvalidParams)
	}
	e.checkOutstanding(1)
}

func TestCreateHeapValidation(t *testing.T) {
	e := newTestEnv(t, 8, Opts{})
	c := e.context()
	e.heap(c, generalHeap)
	for _, tc := range []struct {
		name string
		info HeapInfo
	}{
		{"shares a slot", HeapInfo{Name: "x", Base: 0x10f00000, Size: 0x200000}},
		{"bad page size", HeapInfo{Name: "x", Base: 0x40000000, Size: 0x400000, PageSize: 8 << 10}},
		{"unaligned", HeapInfo{Name: "x", Base: 0x40008000, Size: 0x400000, PageSize: gpuarch.Page64K}},
		{"empty", HeapInfo{Name: "x", Base: 0x40000000}},
		{"past address space", HeapInfo{Name: "x", Base: 0xffc00000, Size: 0x800000}},
		{"bad type", HeapInfo{Name: "x", Type: 42, Base: 0x40000000, Size: 0x400000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := c.CreateHeap(tc.info); !stderrors.Is(err, errors.ErrInvalidParams) {
				t.Errorf("CreateHeap(%+v) = %v, want %v", tc.info, err, errors.ErrInvalidParams)
			}
		})
	}
}

func TestDummyPagePolicy(t *testing.T) {
	e := newTestEnv(t, 64, Opts{UnmapPolicy: UnmapDummyPage})
	e.checkOutstanding(2)
	dummyTable, _, ok := e.dev.DummyPages()
	if !ok {
		t.Fatalf("DummyPages() reports no dummy pages")
	}

	c := e.context()
	for _, dir := range []uint32{0, 64, 1023} {
		if pde := c.PDE(dir); pde.Kind != PDEDummy || pde.Table != dummyTable {
			t.Errorf("new context: PDE(%d) = %+v, want dummy table %v", dir, pde, dummyTable)
		}
	}

	h := e.heap(c, generalHeap)
	va, err := h.Alloc(2*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if pte, ok := h.PTE(va); !ok || pte.Kind != PTEDummy {
		t.Errorf("after Alloc: PTE(%v) = %+v, %t, want dummy", va, pte, ok)
	}
	if err := h.MapPages(va, 0x200000, 2, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if err := h.UnmapPages(va, 1); err != nil {
		t.Fatalf("UnmapPages: %v", err)
	}
	if pte, _ := h.PTE(va); pte.Kind != PTEDummy {
		t.Errorf("after UnmapPages: PTE(%v) = %+v, want dummy", va, pte)
	}
	if _, ok := h.PhysPageAddr(va); ok {
		t.Errorf("dummy entry reported as mapped")
	}
	if got, ok := h.PhysPageAddr(va + page); !ok || got != 0x201000 {
		t.Errorf("PhysPageAddr(%v) = %v, %t, want 0x201000, true", va+page, got, ok)
	}

	if err := h.Free(va, 2*page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if pde := c.PDE(va.DirIndex()); pde.Kind != PDEDummy {
		t.Errorf("after Free: PDE(%d) = %+v, want dummy", va.DirIndex(), pde)
	}
	if _, ok := c.Translate(va + page); ok {
		t.Errorf("after Free: %v still translates", va+page)
	}

	h.Delete()
	c.Finalise()
	e.dev.Release()
	e.checkOutstanding(0)
	e.checkViolations(0)
}

func TestHeapDelete(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	for _, va := range []gpuarch.Addr{0x10000000, 0x10800000} {
		if err := h.AllocAt(va, 2*page); err != nil {
			t.Fatalf("AllocAt(%v): %v", va, err)
		}
		if err := h.MapPages(va, 0x200000, 2, 0); err != nil {
			t.Fatalf("MapPages: %v", err)
		}
	}
	// A reserved but never mapped slot.
	if err := h.AllocAt(0x10c00000, page); err != nil {
		t.Fatalf("AllocAt: %v", err)
	}
	e.checkOutstanding(4)

	h.Delete()
	h.Delete()
	for dir := uint32(64); dir < 68; dir++ {
		if pde := c.PDE(dir); pde.Kind != PDEInvalid {
			t.Errorf("PDE(%d) = %+v after Delete, want invalid", dir, pde)
		}
	}
	e.checkOutstanding(1)
	if _, err := h.Alloc(page, 0); !stderrors.Is(err, errors.ErrInvalidParams) {
		t.Errorf("Alloc after Delete = %v, want %v", err, errors.ErrInvalidParams)
	}
	// The range can be reused by a new heap.
	e.heap(c, generalHeap)
	e.checkViolations(0)
}

func TestFinaliseReportsLeaks(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.MapPages(va, 0x200000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	c.Finalise()
	e.checkViolations(1)
	e.checkOutstanding(0)
	if got := len(e.dev.Contexts()); got != 0 {
		t.Errorf("%d contexts registered after Finalise", got)
	}
	// Finalise is idempotent.
	c.Finalise()
	e.checkOutstanding(0)
}

func TestCacheFlush(t *testing.T) {
	e := newTestEnv(t, 64, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	if dir, pt := e.dev.TakeCacheFlush(); dir || pt {
		t.Errorf("initial TakeCacheFlush() = %t, %t, want false, false", dir, pt)
	}
	va, err := h.Alloc(2*page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := e.dev.PendingFlush(); got != FlushDirectory {
		t.Errorf("after Alloc: PendingFlush() = %v, want %v", got, FlushDirectory)
	}
	e.dev.TakeCacheFlush()

	// The table exists, so only the table cache is dirtied.
	if err := h.MapPages(va, 0x200000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if dir, pt := e.dev.TakeCacheFlush(); dir || !pt {
		t.Errorf("after MapPages: TakeCacheFlush() = %t, %t, want false, true", dir, pt)
	}
	if dir, pt := e.dev.TakeCacheFlush(); dir || pt {
		t.Errorf("second TakeCacheFlush() = %t, %t, want false, false", dir, pt)
	}
	e.dev.InvalidateDirectoryCache()
	e.dev.InvalidatePageTableCache()
	if dir, pt := e.dev.TakeCacheFlush(); !dir || !pt {
		t.Errorf("after Invalidate: TakeCacheFlush() = %t, %t, want true, true", dir, pt)
	}
}

func TestRecorderTrace(t *testing.T) {
	var buf bytes.Buffer
	rec := pdump.NewStreamRecorder(&buf)
	e := newTestEnv(t, 8, Opts{Recorder: rec})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.MapPages(va, 0x200000, 1, 0); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if err := h.Free(va, page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	c.Finalise()
	if err := rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []string{
		"MALLOC :SGXMEM:PA_00100000 0x1000 PD",
		"MALLOC :SGXMEM:PA_00101000 0x1000 PT",
		"WRW :SGXMEM:PA_00100000:0x100 0x00101001",
		"WRW :SGXMEM:PA_00101000:0x0 0x00200001",
		"WRW :SGXMEM:PA_00101000:0x0 0x00000000",
		"WRW :SGXMEM:PA_00100000:0x100 0x00000000",
		"FREE :SGXMEM:PA_00101000",
		"FREE :SGXMEM:PA_00100000",
	}
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestDescribeFault(t *testing.T) {
	e := newTestEnv(t, 8, Opts{})
	c := e.context()
	h := e.heap(c, generalHeap)
	va, err := h.Alloc(page, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.MapPages(va, 0x200000, 1, MapRead); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if got := c.DescribeFault(va); !strings.Contains(got, "PTE[0] 0x200000 r-") {
		t.Errorf("DescribeFault(%v) = %q, want the read-only mapping", va, got)
	}
	if got := c.DescribeFault(0x50000000); !strings.Contains(got, "PDE[320] invalid") {
		t.Errorf("DescribeFault(0x50000000) = %q, want an invalid PDE", got)
	}
}

func TestConcurrentContexts(t *testing.T) {
	e := newTestEnv(t, 1024, Opts{})
	k := e.context()
	sh := e.heap(k, sharedHeap)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			c, _, err := e.dev.NewContext()
			if err != nil {
				return err
			}
			if err := c.InsertHeap(sh); err != nil {
				return err
			}
			pc, _, err := c.CreateHeap(perContextHeap)
			if err != nil {
				return err
			}
			for j := 0; j < 20; j++ {
				for _, h := range []*Heap{sh, pc} {
					va, err := h.Alloc(3*page, 0)
					if err != nil {
						return err
					}
					phys := gpuarch.PhysAddr(0x1000000 + (i*100+j)*0x10000)
					if err := h.MapPages(va, phys, 3, 0); err != nil {
						return err
					}
					for p := 0; p < 3; p++ {
						addr := va + gpuarch.Addr(p*page)
						want := phys + gpuarch.PhysAddr(p*page)
						if got, ok := c.Translate(addr); !ok || got != want {
							return fmt.Errorf("context %d: %v translates to %v, %t, want %v", c.ID(), addr, got, ok, want)
						}
					}
					if err := h.Free(va, 3*page); err != nil {
						return err
					}
				}
			}
			pc.Delete()
			c.Finalise()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	sh.Delete()
	k.Finalise()
	e.checkOutstanding(0)
	e.checkViolations(0)
}
