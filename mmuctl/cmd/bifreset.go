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
	"flag"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/sgxmmu/mmuctl/cmd/util"
	"gvisor.dev/sgxmmu/mmuctl/config"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
)

// BIFReset implements subcommands.Command for the "bif-reset" command.
type BIFReset struct {
	describe bool
}

// Name implements subcommands.Command.Name.
func (*BIFReset) Name() string {
	return "bif-reset"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*BIFReset) Synopsis() string {
	return "show the BIF reset translation for faulting addresses"
}

// Usage implements subcommands.Command.Usage.
func (*BIFReset) Usage() string {
	return `bif-reset [-describe] <fault address>... - maps each faulting device address in
the BIF reset page tables and prints the entries written.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *BIFReset) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.describe, "describe", false, "also describe how the kernel context translates each address.")
}

// Execute implements subcommands.Command.Execute.
func (b *BIFReset) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	faults := make([]gpuarch.Addr, 0, f.NArg())
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, gpuarch.AddrBits)
		if err != nil {
			util.Fatalf("invalid fault address %q: %v", arg, err)
		}
		faults = append(faults, gpuarch.Addr(v))
	}

	d, err := newDevice(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	var k *kernelLayout
	if b.describe {
		infos, err := conf.HeapInfos()
		if err != nil {
			util.Fatalf("reading heap layout: %v", err)
		}
		if k, err = d.newKernelLayout(infos); err != nil {
			util.Fatalf("creating kernel heaps: %v", err)
		}
	}
	if err := d.BIFResetAlloc(); err != nil {
		util.Fatalf("allocating BIF reset pages: %v", err)
	}
	for _, fault := range faults {
		m, err := d.BIFResetMap(fault)
		if err != nil {
			util.Fatalf("mapping %v: %v", fault, err)
		}
		pde, pte, err := d.BIFResetEntries(fault)
		if err != nil {
			util.Fatalf("reading entries for %v: %v", fault, err)
		}
		util.Infof("%v: directory %v PDE[%d]=%#08x PTE[%d]=%#08x", fault, m.Directory, m.DirIndex, pde, m.TableIndex, pte)
		if k != nil {
			util.Infof("  %s", k.ctx.DescribeFault(fault))
		}
	}
	d.BIFResetClear()
	d.BIFResetFree()
	if k != nil {
		k.release()
	}
	if err := d.close(); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
