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

// Package util groups helpers shared by the mmuctl commands.
package util

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/sgxmmu/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller and shown to the user.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and the debug log, then exits.
func Fatalf(format string, args ...any) {
	log.WarningfAtDepth(1, "FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, "mmuctl: "+format+"\n", args...)
	// Return an error that is unlikely to be used by the command itself.
	os.Exit(128)
}

// Infof logs to the debug log and prints to stdout.
func Infof(format string, args ...any) {
	log.InfofAtDepth(1, format, args...)
	fmt.Printf(format+"\n", args...)
}
