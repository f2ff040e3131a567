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

package cmd

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/sgxmmu/mmuctl/cmd/util"
	"gvisor.dev/sgxmmu/mmuctl/config"
	"gvisor.dev/sgxmmu/pkg/errors"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/metric"
	"gvisor.dev/sgxmmu/pkg/mmu"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

// Exercise implements subcommands.Command for the "exercise" command.
type Exercise struct {
	clients    int
	iterations int
	maxPages   int
	seed       int64
	metrics    bool
}

// Name implements subcommands.Command.Name.
func (*Exercise) Name() string {
	return "exercise"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exercise) Synopsis() string {
	return "map and unmap device memory from concurrent contexts"
}

// Usage implements subcommands.Command.Usage.
func (*Exercise) Usage() string {
	return `exercise [flags] - creates the configured layout on a simulated device, then
runs clients that each own a context and randomly map, verify and free memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Exercise) SetFlags(f *flag.FlagSet) {
	f.IntVar(&e.clients, "clients", 4, "number of concurrent client contexts.")
	f.IntVar(&e.iterations, "iterations", 1000, "operations per client.")
	f.IntVar(&e.maxPages, "max-pages", 16, "largest allocation, in heap pages.")
	f.Int64Var(&e.seed, "seed", 1, "random seed. Client i uses seed+i.")
	f.BoolVar(&e.metrics, "metrics", false, "print engine metrics in Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (e *Exercise) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || e.clients < 1 || e.iterations < 0 || e.maxPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	infos, err := conf.HeapInfos()
	if err != nil {
		util.Fatalf("reading heap layout: %v", err)
	}
	d, err := newDevice(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	stats, err := e.run(ctx, d, infos)
	if cerr := d.close(); err == nil {
		err = cerr
	}
	if err != nil {
		util.Fatalf("exercise failed: %v", err)
	}
	util.Infof("%d clients: %d mappings, %d frees, %d skipped for lack of memory", e.clients, stats.mapped.Load(), stats.freed.Load(), stats.skipped.Load())

	if e.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			util.Fatalf("writing metrics: %v", err)
		}
	}
	if n := d.Violations(); n != 0 {
		util.Fatalf("%d MMU invariant violations", n)
	}
	return subcommands.ExitSuccess
}

type exerciseStats struct {
	mapped  atomic.Uint64
	freed   atomic.Uint64
	skipped atomic.Uint64
}

// run creates the kernel layout and runs the clients to completion. The
// kernel context takes part with the heaps only it can see.
func (e *Exercise) run(ctx context.Context, d *device, infos []mmu.HeapInfo) (*exerciseStats, error) {
	k, err := d.newKernelLayout(infos)
	if err != nil {
		return nil, err
	}
	defer k.release()

	stats := &exerciseStats{}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.clients; i++ {
		i := i
		g.Go(func() error {
			c, heaps, err := k.newClient(d)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			defer func() {
				for _, h := range heaps {
					h.Delete()
				}
				c.Finalise()
			}()
			return e.client(gctx, d, c, append(heaps, k.shared...), i+1, stats)
		})
	}
	g.Go(func() error {
		return e.client(gctx, d, k.ctx, append(k.owned[:len(k.owned):len(k.owned)], k.shared...), 0, stats)
	})
	if err := g.Wait(); err != nil {
		return stats, err
	}
	if dir, pt := d.TakeCacheFlush(); dir || pt {
		log.Debugf("Pending cache flush: directory %t, page table %t", dir, pt)
	}
	return stats, nil
}

// client randomly maps and frees memory of heaps through c, checking every
// new mapping with a walk of c's directory.
func (e *Exercise) client(ctx context.Context, d *device, c *mmu.Context, heaps []*mmu.Heap, id int, stats *exerciseStats) error {
	if len(heaps) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(e.seed + int64(id)))
	var live []*mapping
	defer func() {
		for _, m := range live {
			if err := m.free(d); err != nil {
				log.Warningf("Client %d: %v", id, err)
			}
		}
	}()

	for i := 0; i < e.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			m := live[j]
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			if err := m.free(d); err != nil {
				return fmt.Errorf("client %d: %w", id, err)
			}
			stats.freed.Add(1)
			continue
		}
		h := heaps[rng.Intn(len(heaps))]
		m, err := newMapping(d, h, uint64(1+rng.Intn(e.maxPages)))
		if stderrors.Is(err, errors.ErrOutOfMemory) {
			log.Debugf("Client %d: %v", id, err)
			stats.skipped.Add(1)
			continue
		}
		if err != nil {
			return fmt.Errorf("client %d: %w", id, err)
		}
		live = append(live, m)
		stats.mapped.Add(1)
		if err := m.verify(d, c); err != nil {
			return fmt.Errorf("client %d: %w", id, err)
		}
	}
	return nil
}

// mapping is device memory mapped into a heap.
type mapping struct {
	heap  *mmu.Heap
	va    gpuarch.Addr
	size  uint64
	cpu   gpuarch.CPUAddr
	block physmem.Block
}

// newMapping allocates pages heap pages of device memory and maps them into
// h.
func newMapping(d *device, h *mmu.Heap, pages uint64) (*mapping, error) {
	ps := uint64(h.PageSize())
	size := pages * ps
	// The CPU view must be aligned to the heap's page size.
	b, err := d.pool.Allocate(size + ps - gpuarch.PageSize)
	if err != nil {
		return nil, err
	}
	cpu := (b.CPU + gpuarch.CPUAddr(ps-1)) &^ gpuarch.CPUAddr(ps-1)
	va, err := h.Alloc(size, ps)
	if err != nil {
		d.pool.Free(b)
		return nil, err
	}
	if err := h.MapShadow(va, cpu, size, mmu.MapRead|mmu.MapWrite); err != nil {
		_ = h.Free(va, size)
		d.pool.Free(b)
		return nil, fmt.Errorf("mapping %v: %w", va, err)
	}
	return &mapping{heap: h, va: va, size: size, cpu: cpu, block: b}, nil
}

// verify checks that c translates every page of m to the memory behind it.
func (m *mapping) verify(d *device, c *mmu.Context) error {
	ps := uint64(m.heap.PageSize())
	for off := uint64(0); off < m.size; off += ps {
		va := m.va + gpuarch.Addr(off)
		want, _ := d.pool.Translate(m.cpu + gpuarch.CPUAddr(off))
		if got, ok := c.Translate(va); !ok || got != want {
			return fmt.Errorf("%v in %v translates to %v (mapped %t), want %v: %s", va, m.heap, got, ok, want, c.DescribeFault(va))
		}
	}
	return nil
}

// free unmaps m and releases its memory.
func (m *mapping) free(d *device) error {
	err := m.heap.Free(m.va, m.size)
	d.pool.Free(m.block)
	return err
}
