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

// Package pdump defines the trace hook the MMU engine calls on every table
// allocation, table release and raw entry write, and provides recorders that
// write a replayable capture script.
package pdump

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"gvisor.dev/sgxmmu/pkg/gpuarch"
	"gvisor.dev/sgxmmu/pkg/log"
	"gvisor.dev/sgxmmu/pkg/sync"
)

// Kind identifies what a block of device memory is used for.
type Kind uint8

// Kinds of MMU memory.
const (
	Directory Kind = iota
	Table
	DummyTable
	DummyData
	ResetDirectory
	ResetTable
	ResetData
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "PD"
	case Table:
		return "PT"
	case DummyTable:
		return "DUMMYPT"
	case DummyData:
		return "DUMMYDATA"
	case ResetDirectory:
		return "RESETPD"
	case ResetTable:
		return "RESETPT"
	case ResetData:
		return "RESETDATA"
	default:
		return fmt.Sprintf("KIND%d", uint8(k))
	}
}

// Recorder receives MMU memory events. Implementations must be safe for
// concurrent use; the engine calls them with context locks held, so they
// must not call back into the engine.
type Recorder interface {
	// Alloc records that a block of the given kind was allocated.
	Alloc(kind Kind, phys gpuarch.PhysAddr, size uint64)

	// Free records that a block was released.
	Free(kind Kind, phys gpuarch.PhysAddr, size uint64)

	// WriteEntry records that raw was written to entry index of the
	// directory or table at phys.
	WriteEntry(kind Kind, phys gpuarch.PhysAddr, index uint32, raw uint32)
}

// Noop is a Recorder that drops all events.
type Noop struct{}

// Alloc implements Recorder.Alloc.
func (Noop) Alloc(Kind, gpuarch.PhysAddr, uint64) {}

// Free implements Recorder.Free.
func (Noop) Free(Kind, gpuarch.PhysAddr, uint64) {}

// WriteEntry implements Recorder.WriteEntry.
func (Noop) WriteEntry(Kind, gpuarch.PhysAddr, uint32, uint32) {}

// LogRecorder logs events at debug level.
type LogRecorder struct {
	Logger log.Logger
}

// Alloc implements Recorder.Alloc.
func (l LogRecorder) Alloc(kind Kind, phys gpuarch.PhysAddr, size uint64) {
	if l.Logger.IsLogging(log.Debug) {
		l.Logger.Debugf("pdump: alloc %v at %v, %#x bytes", kind, phys, size)
	}
}

// Free implements Recorder.Free.
func (l LogRecorder) Free(kind Kind, phys gpuarch.PhysAddr, size uint64) {
	if l.Logger.IsLogging(log.Debug) {
		l.Logger.Debugf("pdump: free %v at %v, %#x bytes", kind, phys, size)
	}
}

// WriteEntry implements Recorder.WriteEntry.
func (l LogRecorder) WriteEntry(kind Kind, phys gpuarch.PhysAddr, index uint32, raw uint32) {
	if l.Logger.IsLogging(log.Debug) {
		l.Logger.Debugf("pdump: %v %v[%d] = %#08x", kind, phys, index, raw)
	}
}

// StreamRecorder writes events as capture script lines:
//
//	MALLOC :SGXMEM:PA_<phys> <size> <kind>
//	FREE :SGXMEM:PA_<phys>
//	WRW :SGXMEM:PA_<phys>:<offset> <value>
type StreamRecorder struct {
	mu sync.Mutex
	w  *bufio.Writer

	// err is the first write error; later events are dropped.
	err error
}

// NewStreamRecorder returns a recorder writing to w. Flush must be called to
// push buffered lines.
func NewStreamRecorder(w io.Writer) *StreamRecorder {
	return &StreamRecorder{w: bufio.NewWriter(w)}
}

func (s *StreamRecorder) printf(format string, v ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, format, v...); err != nil {
		s.err = err
		log.Warningf("pdump: capture disabled after write error: %v", err)
	}
}

// Alloc implements Recorder.Alloc.
func (s *StreamRecorder) Alloc(kind Kind, phys gpuarch.PhysAddr, size uint64) {
	s.printf("MALLOC :SGXMEM:PA_%08X 0x%X %v\n", uint64(phys), size, kind)
}

// Free implements Recorder.Free.
func (s *StreamRecorder) Free(kind Kind, phys gpuarch.PhysAddr, size uint64) {
	s.printf("FREE :SGXMEM:PA_%08X\n", uint64(phys))
}

// WriteEntry implements Recorder.WriteEntry.
func (s *StreamRecorder) WriteEntry(kind Kind, phys gpuarch.PhysAddr, index uint32, raw uint32) {
	s.printf("WRW :SGXMEM:PA_%08X:0x%X 0x%08X\n", uint64(phys), index*gpuarch.EntrySize, raw)
}

// Flush writes any buffered lines and returns the first error encountered.
func (s *StreamRecorder) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.err = s.w.Flush()
	return s.err
}

// FileRecorder is a StreamRecorder writing to a capture file. The file is
// guarded by an advisory lock so that two processes never interleave a
// capture.
type FileRecorder struct {
	*StreamRecorder
	f    *os.File
	lock *flock.Flock
}

// OpenFile creates (truncating) the capture file at path. It fails if
// another process holds the capture lock.
func OpenFile(path string) (*FileRecorder, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking capture %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("capture %q is in use by another process", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening capture %q: %w", path, err)
	}
	return &FileRecorder{
		StreamRecorder: NewStreamRecorder(f),
		f:              f,
		lock:           lock,
	}, nil
}

// Close flushes and closes the capture and releases the lock.
func (r *FileRecorder) Close() error {
	err := r.Flush()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	if uerr := r.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
