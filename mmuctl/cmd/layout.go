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
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/sgxmmu/mmuctl/cmd/util"
	"gvisor.dev/sgxmmu/mmuctl/config"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/mmu"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	create bool
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the device virtual address layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-create] - prints the configured heaps and the page directory entries they use.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.create, "create", false, "create the heaps on a simulated device to check that they fit together.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	infos, err := conf.HeapInfos()
	if err != nil {
		util.Fatalf("reading heap layout: %v", err)
	}
	if err := printLayout(os.Stdout, infos); err != nil {
		util.Fatalf("printing layout: %v", err)
	}
	if !l.create {
		return subcommands.ExitSuccess
	}

	d, err := newDevice(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	k, err := d.newKernelLayout(infos)
	if err != nil {
		util.Fatalf("creating kernel heaps: %v", err)
	}
	ctx, heaps, err := k.newClient(d)
	if err != nil {
		util.Fatalf("creating client heaps: %v", err)
	}
	util.Infof("Created %d kernel heaps in context %d and %d heaps in context %d", len(k.shared)+len(k.owned), k.ctx.ID(), len(heaps)+len(k.shared), ctx.ID())
	for _, h := range heaps {
		h.Delete()
	}
	ctx.Finalise()
	k.release()
	if err := d.close(); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// printLayout writes one line per heap to w.
func printLayout(w io.Writer, infos []mmu.HeapInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tTYPE\tRANGE\tPAGE\tPDE\tTABLE BYTES\n")
	for _, info := range infos {
		r := rangeOf(info)
		first, count := r.DirIndices()
		fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%d-%d\t%#x\n", info.Name, info.Type, r, info.PageSize, first, first+count-1, uint64(count)*info.PageSize.TableBytes())
	}
	return tw.Flush()
}

// rangeOf returns the addresses covered by a heap. Ranges that leave the
// address space are clamped.
func rangeOf(info mmu.HeapInfo) gpuarch.AddrRange {
	end, ok := info.Base.AddLength(info.Size)
	if !ok {
		end = gpuarch.AddrSpace
	}
	return gpuarch.AddrRange{Start: info.Base, End: end}
}
