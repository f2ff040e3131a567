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

// Package config provides basic infrastructure to set configuration settings
// for mmuctl. Configuration is set using command line flags and, optionally,
// a TOML or YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/mmu"
	"gvisor.dev/sgxmmu/pkg/pdump"
	"gvisor.dev/sgxmmu/pkg/physmem"
)

// Config holds configuration that is not part of a command's own flags.
//
// Fields tagged with "flag" are populated from the flag of that name. Fields
// tagged with "toml" and "yaml" are read from the configuration file.
type Config struct {
	// ConfigFile is the TOML or YAML file the configuration was read from.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log" toml:"debug_log" yaml:"debug_log"`

	// PDumpFile, if set, receives a capture of every MMU memory event.
	PDumpFile string `flag:"pdump" toml:"pdump" yaml:"pdump"`

	// UnmapPolicy is what empty entries hold: zero or dummy.
	UnmapPolicy string `flag:"unmap-policy" toml:"unmap_policy" yaml:"unmap_policy"`

	// Strict makes MMU invariant violations fatal.
	Strict bool `flag:"strict" toml:"strict" yaml:"strict"`

	// PhysBase is the device physical address of the memory pool.
	PhysBase uint64 `flag:"phys-base" toml:"phys_base" yaml:"phys_base"`

	// PoolPages is the size of the memory pool in pages.
	PoolPages uint64 `flag:"pool-pages" toml:"pool_pages" yaml:"pool_pages"`

	// HostMemory backs the pool with an anonymous host mapping instead of
	// the Go heap.
	HostMemory bool `flag:"host-memory" toml:"host_memory" yaml:"host_memory"`

	// Heaps is the device virtual address layout.
	Heaps []HeapConfig `toml:"heap" yaml:"heaps"`
}

// HeapConfig describes one heap of the layout.
type HeapConfig struct {
	Name     string `toml:"name" yaml:"name"`
	Type     string `toml:"type" yaml:"type"`
	Base     uint64 `toml:"base" yaml:"base"`
	Size     uint64 `toml:"size" yaml:"size"`
	PageSize uint64 `toml:"page_size" yaml:"page_size"`
}

// defaultHeaps is a typical SGX layout. Every heap starts on a directory
// entry boundary.
var defaultHeaps = []HeapConfig{
	{Name: "general", Type: "per_context", Base: 0x00400000, Size: 0x08000000},
	{Name: "texture", Type: "per_context", Base: 0x08400000, Size: 0x04000000, PageSize: 64 << 10},
	{Name: "kernel_code", Type: "shared", Base: 0x0f000000, Size: 0x00400000},
	{Name: "kernel_data", Type: "shared", Base: 0x0f400000, Size: 0x00800000},
	{Name: "3dparameters", Type: "shared_exported", Base: 0x10000000, Size: 0x04000000},
	{Name: "sync_info", Type: "kernel", Base: 0x14000000, Size: 0x00400000},
}

// DefaultHeaps returns a copy of the default heap layout.
func DefaultHeaps() []HeapConfig {
	return deepcopy.Copy(defaultHeaps).([]HeapConfig)
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// LoadFile reads the file at path into c, choosing the decoder by extension.
// Fields absent from the file keep their values. A heap list in the file
// replaces the existing one as a whole.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	heaps := c.Heaps
	c.Heaps = nil
	defer func() {
		if len(c.Heaps) == 0 {
			c.Heaps = heaps
		}
	}()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing config %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config %q: unknown extension %q, must be .toml, .yaml or .yml", path, ext)
	}
	c.ConfigFile = path
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if _, err := mmu.ParseUnmapPolicy(c.UnmapPolicy); err != nil {
		return err
	}
	if c.PoolPages == 0 || c.PoolPages > gpuarch.PhysAddrLimit/gpuarch.PageSize {
		return fmt.Errorf("invalid pool size of %d pages", c.PoolPages)
	}
	if c.PhysBase%gpuarch.PageSize != 0 || c.PhysBase+c.PoolPages*gpuarch.PageSize > gpuarch.PhysAddrLimit {
		return fmt.Errorf("pool at %#x of %d pages does not fit below %#x", c.PhysBase, c.PoolPages, uint64(gpuarch.PhysAddrLimit))
	}
	if _, err := c.HeapInfos(); err != nil {
		return err
	}
	return nil
}

// HeapInfos returns the heap layout in engine form.
func (c *Config) HeapInfos() ([]mmu.HeapInfo, error) {
	infos := make([]mmu.HeapInfo, 0, len(c.Heaps))
	for _, hc := range c.Heaps {
		typ, err := mmu.ParseHeapType(hc.Type)
		if err != nil {
			return nil, fmt.Errorf("heap %q: %w", hc.Name, err)
		}
		ps := gpuarch.DataPageSize(hc.PageSize)
		if ps == 0 {
			ps = gpuarch.Page4K
		}
		if !ps.Valid() {
			return nil, fmt.Errorf("heap %q: unsupported page size %#x", hc.Name, hc.PageSize)
		}
		infos = append(infos, mmu.HeapInfo{
			Name:     hc.Name,
			Type:     typ,
			Base:     gpuarch.Addr(hc.Base),
			Size:     hc.Size,
			PageSize: ps,
		})
	}
	return infos, nil
}

// DeviceOpts returns the engine options for a device using alloc and t.
// rec may be nil.
func (c *Config) DeviceOpts(alloc physmem.Allocator, t physmem.Translator, rec pdump.Recorder) (mmu.Opts, error) {
	policy, err := mmu.ParseUnmapPolicy(c.UnmapPolicy)
	if err != nil {
		return mmu.Opts{}, err
	}
	return mmu.Opts{
		Allocator:   alloc,
		Translator:  t,
		Recorder:    rec,
		UnmapPolicy: policy,
		Strict:      c.Strict,
	}, nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config file: %q", c.ConfigFile)
	log.Infof("Unmap policy: %s, strict: %t", c.UnmapPolicy, c.Strict)
	log.Infof("Pool: %d pages at %#x, host memory: %t", c.PoolPages, c.PhysBase, c.HostMemory)
	log.Infof("PDump: %q", c.PDumpFile)
	for _, h := range c.Heaps {
		log.Infof("Heap %q: %s [%#x, +%#x) page size %#x", h.Name, h.Type, h.Base, h.Size, h.PageSize)
	}
}
