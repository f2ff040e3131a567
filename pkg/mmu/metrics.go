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

import "gvisor.dev/sgxmmu/pkg/metric"

// Invariant violation kinds, used as metric field values.
const (
	violationNotMapped     = "pte_not_mapped"
	violationAlreadyMapped = "pte_already_mapped"
	violationPDENotEmpty   = "pde_not_empty"
	violationMissingTable  = "missing_table"
	violationCount         = "valid_count"
	violationLeak          = "leak"
)

var (
	contextsCreated = metric.MustCreateNewUint64Metric("/mmu/contexts_created", "Number of MMU contexts created.")
	tablesAllocated = metric.MustCreateNewUint64Metric("/mmu/page_tables_allocated", "Number of page tables installed in a directory slot.")
	tablesFreed     = metric.MustCreateNewUint64Metric("/mmu/page_tables_freed", "Number of page tables released from a directory slot.")
	ptesMapped      = metric.MustCreateNewUint64Metric("/mmu/ptes_mapped", "Number of page table entries that became mapped.")
	ptesUnmapped    = metric.MustCreateNewUint64Metric("/mmu/ptes_unmapped", "Number of page table entries that became unmapped.")

	invariantViolations = metric.MustCreateNewUint64Metric("/mmu/invariant_violations", "Number of detected MMU invariant violations.",
		metric.NewField("kind",
			violationNotMapped,
			violationAlreadyMapped,
			violationPDENotEmpty,
			violationMissingTable,
			violationCount,
			violationLeak,
		))
)
