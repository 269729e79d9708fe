// Copyright 2019 The gVisor Authors.
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

// Package vfserror defines the error taxonomy every VFS handler returns
// through (spec §7), along with its mapping onto POSIX-style negative
// error numbers at the syscall boundary.
package vfserror

import "fmt"

// Kind classifies a VFS error into one of the taxonomy's groups. Handlers
// never panic on an external failure; a Kind is always a regular returned
// error, not a recovered panic.
type Kind int

// The error taxonomy of spec §7, grouped as documented there.
const (
	// Argument errors.
	InvalidInput Kind = iota
	BadFileDescriptor
	NameTooLong

	// Not-found errors.
	NoSuchEntry
	NoDevice
	NoFilesystem

	// State errors.
	Busy
	AlreadyExists
	NotDirectory
	IsDirectory
	LinkLoop
	ReadOnlyFilesystem

	// Capacity errors.
	OutOfMemory
	TooManyOpenFiles

	// Permission errors.
	PermissionDenied

	// Unsupported.
	NotImplemented
	NotSupported

	// Faults.
	BadAddress
)

var names = map[Kind]string{
	InvalidInput:       "invalid argument",
	BadFileDescriptor:  "bad file descriptor",
	NameTooLong:        "name too long",
	NoSuchEntry:        "no such file or directory",
	NoDevice:           "no such device",
	NoFilesystem:       "no such filesystem type",
	Busy:               "device or resource busy",
	AlreadyExists:      "file exists",
	NotDirectory:       "not a directory",
	IsDirectory:        "is a directory",
	LinkLoop:           "too many levels of symbolic links",
	ReadOnlyFilesystem: "read-only filesystem",
	OutOfMemory:        "out of memory",
	TooManyOpenFiles:   "too many open files",
	PermissionDenied:   "permission denied",
	NotImplemented:     "not implemented",
	NotSupported:       "operation not supported",
	BadAddress:         "bad address",
}

// errno is the POSIX-style negative error number each Kind maps to at the
// syscall boundary (spec §6, §7). Values follow standard Linux errno.h
// numbering so translation is bit-exact with the ambient convention.
var errno = map[Kind]int{
	InvalidInput:       22, // EINVAL
	BadFileDescriptor:  9,  // EBADF
	NameTooLong:        36, // ENAMETOOLONG
	NoSuchEntry:        2,  // ENOENT
	NoDevice:           19, // ENODEV
	NoFilesystem:       19, // ENODEV (no fs of that name registered)
	Busy:               16, // EBUSY
	AlreadyExists:      17, // EEXIST
	NotDirectory:       20, // ENOTDIR
	IsDirectory:        21, // EISDIR
	LinkLoop:           40, // ELOOP
	ReadOnlyFilesystem: 30, // EROFS
	OutOfMemory:        12, // ENOMEM
	TooManyOpenFiles:   24, // EMFILE
	PermissionDenied:   13, // EACCES
	NotImplemented:      38, // ENOSYS
	NotSupported:       95, // EOPNOTSUPP
	BadAddress:         14, // EFAULT
}

// Error is a concrete error value carrying a Kind plus an optional
// human-readable annotation describing which operation produced it.
type Error struct {
	Kind Kind
	Op   string
	Path string
}

func (e *Error) Error() string {
	msg := names[e.Kind]
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

// Errno returns the POSIX-style negative error number e maps to.
func (e *Error) Errno() int { return -errno[e.Kind] }

// New constructs an *Error of the given Kind with no annotation.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Annotate returns an *Error of the given Kind annotated with the
// operation and path that produced it, for use at handler boundaries.
func Annotate(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Is reports whether err is a vfserror of the given Kind. It unwraps
// github.com/pkg/errors-wrapped causes, so callers that wrapped an
// *Error with additional context (errors.Wrap) can still classify it.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// causer matches github.com/pkg/errors' Cause interface without importing
// it, so this package has no hard dependency on the wrapping library used
// by callers.
type causer interface {
	Cause() error
}

// KindOf extracts the Kind from err, unwrapping a chain of
// github.com/pkg/errors wraps if necessary. ok is false if err is nil or
// not ultimately a *Error.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		c, ok := err.(causer)
		if !ok {
			return 0, false
		}
		err = c.Cause()
	}
	return 0, false
}
