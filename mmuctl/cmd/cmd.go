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

// Package cmd holds implementations of the mmuctl commands.
package cmd

import (
	"fmt"

	"gvisor.dev/sgxmmu/mmuctl/config"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/mmu"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

// cpuBase is the CPU linear address of the first page of the simulated
// device memory.
const cpuBase gpuarch.CPUAddr = 0x7f0000000000

// device is a simulated SGX device: a memory pool and the MMU engine using it.
type device struct {
	*mmu.Device
	pool    *physmem.Pool
	capture *pdump.FileRecorder
}

// newDevice creates the device described by conf. The caller must call
// close.
func newDevice(conf *config.Config) (*device, error) {
	base := gpuarch.PhysAddr(conf.PhysBase)
	pages := uint32(conf.PoolPages)
	var (
		pool *physmem.Pool
		err  error
	)
	if conf.HostMemory {
		pool, err = physmem.NewHostPool(base, cpuBase, pages)
	} else {
		pool, err = physmem.NewPool(base, cpuBase, pages)
	}
	if err != nil {
		return nil, fmt.Errorf("creating memory pool: %w", err)
	}
	d := &device{pool: pool}

	var rec pdump.Recorder
	if conf.PDumpFile != "" {
		d.capture, err = pdump.OpenFile(conf.PDumpFile)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		rec = d.capture
	}
	opts, err := conf.DeviceOpts(pool, pool, rec)
	if err == nil {
		d.Device, err = mmu.NewDevice(opts)
	}
	if err != nil {
		_ = d.close()
		return nil, fmt.Errorf("creating MMU: %w", err)
	}
	log.Debugf("Device created: %d pages at %v, unmap policy %v", pages, base, d.UnmapPolicy())
	return d, nil
}

// close releases the MMU and the memory pool. It reports device memory that
// was never freed.
func (d *device) close() error {
	if d.Device != nil {
		d.Release()
	}
	var err error
	if d.capture != nil {
		err = d.capture.Close()
	}
	if n := d.pool.Outstanding(); n != 0 && err == nil {
		err = fmt.Errorf("%d blocks of device memory were not freed", n)
	}
	if cerr := d.pool.Close(); err == nil {
		err = cerr
	}
	return err
}

// kernelLayout is the kernel context and the heaps created in it.
type kernelLayout struct {
	ctx *mmu.Context

	// shared are inserted into every other context.
	shared []*mmu.Heap

	// owned are only visible to the kernel context.
	owned []*mmu.Heap

	// perContext are created by every context.
	perContext []mmu.HeapInfo
}

// newKernelLayout creates the kernel context and the heaps of infos that
// belong to it.
func (d *device) newKernelLayout(infos []mmu.HeapInfo) (*kernelLayout, error) {
	ctx, pd, err := d.NewContext()
	if err != nil {
		return nil, fmt.Errorf("creating kernel context: %w", err)
	}
	log.Debugf("Kernel context %d, directory at %v", ctx.ID(), pd)
	k := &kernelLayout{ctx: ctx}
	for _, info := range infos {
		switch info.Type {
		case mmu.HeapShared, mmu.HeapSharedExported:
			h, _, err := ctx.CreateHeap(info)
			if err != nil {
				k.release()
				return nil, err
			}
			k.shared = append(k.shared, h)
		case mmu.HeapKernel:
			h, _, err := ctx.CreateHeap(info)
			if err != nil {
				k.release()
				return nil, err
			}
			k.owned = append(k.owned, h)
		default:
			k.perContext = append(k.perContext, info)
		}
	}
	return k, nil
}

// release deletes the kernel heaps and finalises the kernel context.
func (k *kernelLayout) release() {
	for _, h := range k.owned {
		h.Delete()
	}
	for _, h := range k.shared {
		h.Delete()
	}
	k.ctx.Finalise()
}

// newClient creates a context with the shared heaps inserted and its own
// per-context heaps.
func (k *kernelLayout) newClient(d *device) (*mmu.Context, []*mmu.Heap, error) {
	ctx, _, err := d.NewContext()
	if err != nil {
		return nil, nil, err
	}
	for _, h := range k.shared {
		if err := ctx.InsertHeap(h); err != nil {
			ctx.Finalise()
			return nil, nil, err
		}
	}
	heaps := make([]*mmu.Heap, 0, len(k.perContext))
	for _, info := range k.perContext {
		h, _, err := ctx.CreateHeap(info)
		if err != nil {
			for _, h := range heaps {
				h.Delete()
			}
			ctx.Finalise()
			return nil, nil, err
		}
		heaps = append(heaps, h)
	}
	return ctx, heaps, nil
}
