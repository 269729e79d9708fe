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

// Package qstr provides interned path-component names with a precomputed
// hash, the name/hash primitive that every dentry cache lookup keys on
// (monkey VFS component C1).
package qstr

import "strings"

// QStr is an immutable path component name together with its precomputed
// hash. Two QStrs naming the same bytes always hash identically; the hash
// is computed once at construction and never recomputed.
//
// QStr is loosely analogous to Linux's struct qstr.
type QStr struct {
	name string
	hash uint32
}

// hash32 is the 32-bit FNV-1a hash used throughout the dentry cache. It is
// not cryptographic; it only needs to distribute path components well
// across hash-table buckets.
func hash32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// New returns a QStr for the given component name. New does not validate
// that name contains no '/'; callers (the path walker) are responsible for
// splitting components before interning them.
func New(name string) QStr {
	return QStr{name: name, hash: hash32(name)}
}

// String returns the component's bytes as a string.
func (q QStr) String() string { return q.name }

// Len returns the length of the component name in bytes.
func (q QStr) Len() int { return len(q.name) }

// Hash returns the component's precomputed hash.
func (q QStr) Hash() uint32 { return q.hash }

// Equal reports whether q and other name the same component. If foldCase
// is true (the owning superblock is case-insensitive), the names are
// compared case-insensitively and the hash is not consulted; otherwise the
// hash is compared first as a cheap rejection test.
func (q QStr) Equal(other QStr, foldCase bool) bool {
	if foldCase {
		return strings.EqualFold(q.name, other.name)
	}
	if q.hash != other.hash {
		return false
	}
	return q.name == other.name
}

// NewFolded returns a QStr for name, case-folded for hashing purposes if
// foldCase is set. The returned QStr retains the original (unfolded) bytes
// for display, but its hash is computed from the folded form so that
// case-insensitive lookups of differently-cased spellings land in the same
// bucket.
func NewFolded(name string, foldCase bool) QStr {
	if !foldCase {
		return New(name)
	}
	return QStr{name: name, hash: hash32(strings.ToLower(name))}
}

// Dot and DotDot are the two special components the path walker never
// hands to a filesystem's LOOKUP handler.
var (
	Dot    = New(".")
	DotDot = New("..")
)

// IsDot reports whether q names ".".
func (q QStr) IsDot() bool { return q.name == "." }

// IsDotDot reports whether q names "..".
func (q QStr) IsDotDot() bool { return q.name == ".." }
