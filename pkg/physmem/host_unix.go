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

//go:build unix

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
)

// NewHostPool returns a pool whose memory is an anonymous host mapping, so
// that large simulated devices do not live on the Go heap. Close unmaps it.
func NewHostPool(physBase gpuarch.PhysAddr, cpuBase gpuarch.CPUAddr, pages uint32) (*Pool, error) {
	size := int(uint64(pages) * gpuarch.PageSize)
	if size == 0 {
		return newPool(physBase, cpuBase, nil, nil)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of pool memory: %w", size, err)
	}
	p, err := newPool(physBase, cpuBase, mem, unix.Munmap)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return p, nil
}
