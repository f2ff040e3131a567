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

package metric

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears all global state in the metric package.
func reset() {
	registryMu.Lock()
	allMetrics = nil
	registryMu.Unlock()
}

func TestRegistration(t *testing.T) {
	defer reset()
	reset()

	if _, err := NewUint64Metric("/foo", "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", "again"); !stderrors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("foo", "bad"); !stderrors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric(foo) got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/bar", "bad", NewField("kind")); !stderrors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFields(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/mmu/events", "Events.",
		NewField("op", "map", "unmap"),
		NewField("heap", "shared", "private", "kernel"))
	m.Increment("map", "shared")
	m.IncrementBy(3, "unmap", "kernel")
	m.Increment("unmap", "kernel")

	if got := m.Value("map", "shared"); got != 1 {
		t.Errorf("Value(map, shared) = %d, want 1", got)
	}
	if got := m.Value("unmap", "kernel"); got != 4 {
		t.Errorf("Value(unmap, kernel) = %d, want 4", got)
	}
	if got := m.Value("map", "kernel"); got != 0 {
		t.Errorf("Value(map, kernel) = %d, want 0", got)
	}
	for key := range m.values {
		vals := m.fieldValues(key)
		if got := m.key(vals); got != key {
			t.Errorf("key(fieldValues(%d)) = %d", key, got)
		}
	}

	if diff := cmp.Diff(map[string]uint64{"/mmu/events": 5}, Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteText(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/mmu/page_tables_allocated", "Page tables allocated.")
	m.IncrementBy(7)
	v := MustCreateNewUint64Metric("/mmu/violations", "Violations.", NewField("kind", "underflow"))
	v.Increment("underflow")

	var sb strings.Builder
	if err := WriteText(&sb); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		"# HELP sgxmmu_mmu_page_tables_allocated Page tables allocated.",
		"# TYPE sgxmmu_mmu_page_tables_allocated counter",
		"sgxmmu_mmu_page_tables_allocated 7",
		`sgxmmu_mmu_violations{kind="underflow"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBadFieldValuePanics(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/x", "X.", NewField("kind", "a"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}
