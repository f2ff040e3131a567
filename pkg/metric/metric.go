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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at init time and exported on demand in the
// Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/sgxmmu/pkg/sync"

	dto "github.com/prometheus/client_model/go"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// namespace prefixes exported metric names.
const namespace = "sgxmmu"

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored, optionally broken down by fields.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// values has one counter per combination of field values, in
	// mixed-radix order of fields.
	values []atomic.Uint64
}

var (
	registryMu sync.Mutex

	// allMetrics are the registered metrics, in registration order.
	allMetrics []*Uint64Metric
)

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, c := range name[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%q field %q: %w", name, f.name, ErrFieldHasNoAllowedValues)
		}
		n *= len(f.allowedValues)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	for _, m := range allMetrics {
		if m.name == name {
			return nil, fmt.Errorf("%q: %w", name, ErrNameInUse)
		}
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		values:      make([]atomic.Uint64, n),
	}
	allMetrics = append(allMetrics, m)
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// key maps field values to an index into m.values. It panics on a wrong
// number of values or a value that is not allowed.
func (m *Uint64Metric) key(fieldValues []string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q: got %d field values, want %d", m.name, len(fieldValues), len(m.fields)))
	}
	key := 0
	for i, f := range m.fields {
		idx := slices.Index(f.allowedValues, fieldValues[i])
		if idx < 0 {
			panic(fmt.Sprintf("metric %q: invalid value %q for field %q", m.name, fieldValues[i], f.name))
		}
		key = key*len(f.allowedValues) + idx
	}
	return key
}

// fieldValues is the inverse of key.
func (m *Uint64Metric) fieldValues(key int) []string {
	vals := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		vals[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return vals
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Name returns the registered name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// exportName converts /mmu/page_tables to sgxmmu_mmu_page_tables.
func exportName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(exportName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.values {
		var labels []*dto.LabelPair
		for i, v := range m.fieldValues(key) {
			labels = append(labels, &dto.LabelPair{
				Name:  proto.String(m.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels,
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[key].Load()))},
		})
	}
	return mf
}

// WriteText writes all registered metrics to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	registryMu.Lock()
	metrics := slices.Clone(allMetrics)
	registryMu.Unlock()

	for _, m := range metrics {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("exporting metric %q: %w", m.name, err)
		}
	}
	return nil
}

// Snapshot returns the current values of all registered metrics without
// fields, keyed by name. Metrics with fields report their sum.
func Snapshot() map[string]uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	s := make(map[string]uint64, len(allMetrics))
	for _, m := range allMetrics {
		var sum uint64
		for i := range m.values {
			sum += m.values[i].Load()
		}
		s[m.name] = sum
	}
	return s
}
