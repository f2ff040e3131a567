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

// Package errors holds the standardized error definitions for the MMU engine.
package errors

import "fmt"

// Code classifies an engine error.
type Code uint8

// Error codes.
const (
	// OutOfMemory means the physical page allocator or a VA arena is
	// exhausted.
	OutOfMemory Code = iota + 1

	// BadMapping means a CPU address could not be translated, or a
	// directory slot is occupied with an incompatible page size.
	BadMapping

	// InvalidParams means the request itself is malformed: zero size,
	// misalignment, or an operation unsupported by the heap type.
	InvalidParams

	// Internal means the engine detected a broken invariant.
	Internal
)

func (c Code) String() string {
	switch c {
	case OutOfMemory:
		return "out of memory"
	case BadMapping:
		return "bad mapping"
	case InvalidParams:
		return "invalid params"
	case Internal:
		return "internal invariant violation"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// Error represents an engine error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Newf creates a new *Error with a formatted message.
func Newf(code Code, format string, v ...any) *Error {
	return New(code, fmt.Sprintf(format, v...))
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the error's classification.
func (e *Error) Code() Code { return e.code }

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrOutOfMemory) matches any out-of-memory error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// Sentinels for use with errors.Is.
var (
	ErrOutOfMemory   = New(OutOfMemory, OutOfMemory.String())
	ErrBadMapping    = New(BadMapping, BadMapping.String())
	ErrInvalidParams = New(InvalidParams, InvalidParams.String())
	ErrInternal      = New(Internal, Internal.String())
)
