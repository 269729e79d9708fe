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

package vfs

import (
	"sync"
	"time"

	"github.com/monkeyfs/vfs/pkg/atomicbitops"
	"github.com/monkeyfs/vfs/pkg/qstr"
)

// DentryFlags are the per-dentry state bits of spec §3.
type DentryFlags uint32

const (
	// DentryHashed is set iff the dentry is on the global dentry hash
	// table.
	DentryHashed DentryFlags = 1 << iota
	// DentryInLRU is set iff the dentry is parked on the reclaim LRU.
	// Mutually exclusive with a non-zero refcount.
	DentryInLRU
	// DentryNegative is set iff the dentry has no attached inode.
	DentryNegative
	// DentryMounted is set iff a Mount is anchored at this dentry.
	DentryMounted
	// DentryReferenced is set by lookup as an access hint.
	DentryReferenced
	// DentryDisconnected is set once a dentry has been pruned from its
	// parent's child list; it is never re-attached.
	DentryDisconnected
)

func (f DentryFlags) has(bit DentryFlags) bool { return f&bit != 0 }

// Dentry is a cached directory entry: an edge (parent, name) that may or
// may not resolve to an Inode (spec §3, GLOSSARY "Dentry").
//
// Unless otherwise noted, all Dentry fields are protected by mu. The
// exceptions are sb, which is immutable, and refcount, which is atomic;
// parent and name change only in DentryCache.Rename, under mu.
type Dentry struct {
	mu sync.Mutex

	parent *Dentry // self for the root; strong reference otherwise
	name   qstr.QStr
	sb     *Superblock

	inode *Inode // nil iff negative

	// mount is the Mount this dentry anchors, if DentryMounted is set.
	// This is a back-reference: it must never be used to extend the
	// mount's lifetime.
	mount *Mount

	flags DentryFlags

	children map[string]*Dentry // keyed by name.String(); child-list

	// Membership in the inode's alias list is kept by the Inode itself,
	// in a slice (see Inode.aliases); the dentry holds no link fields.

	refcount  atomicbitops.RefCount
	lastAccess time.Time

	// lruElem is not read or written anywhere; LRU membership is tracked
	// by the DentryInLRU flag (dcache.go).
	lruElem bool

	// resolved is true once the owning filesystem's LOOKUP handler has
	// been asked about this dentry at least once. A negative dentry with
	// resolved set records a proven non-existence rather than merely
	// "not yet asked"; the dentry layer's LOOKUP handler skips calling
	// the back-end again unless LookupReval forces revalidation.
	resolved bool
}

// newDentry allocates a Dentry with refcount 1, not yet linked into any
// parent or the hash table; its caller (DentryCache.Resolve) finishes
// wiring it up. Root dentries come from NewRootDentry instead.
func newDentry(parent *Dentry, name qstr.QStr, sb *Superblock) *Dentry {
	d := &Dentry{
		parent:   parent,
		name:     name,
		sb:       sb,
		flags:    DentryNegative,
		children: make(map[string]*Dentry),
	}
	d.refcount.IncRef()
	d.lastAccess = time.Now()
	return d
}

// NewRootDentry constructs the self-parented root dentry for a fresh
// superblock. Only a filesystem back-end's CREATE_SUPERBLOCK handler
// (component C6) calls this; the resulting dentry is never placed in the
// dentry cache's hash table (mirroring spec §4.3: the root is reached via
// Superblock.Root/MountTable.Root, not a (parent, name) lookup).
func NewRootDentry(sb *Superblock) *Dentry {
	d := &Dentry{sb: sb, flags: DentryNegative, children: make(map[string]*Dentry)}
	d.parent = d
	d.refcount.IncRef()
	d.lastAccess = time.Now()
	return d
}

// BindRoot attaches inode to d directly, without going through
// DentryCache.Instantiate's hash-table bookkeeping. Used only by a
// back-end's CREATE_SUPERBLOCK handler to finish wiring the root dentry
// NewRootDentry just allocated.
func (d *Dentry) BindRoot(inode *Inode) {
	d.mu.Lock()
	d.inode = inode
	d.flags &^= DentryNegative
	d.mu.Unlock()
	inode.addAlias(d)
	inode.IncRef()
}

// Name returns the dentry's component name.
func (d *Dentry) Name() qstr.QStr { return d.name }

// Parent returns the dentry's parent. The root of a filesystem is its own
// parent (spec §3 invariant).
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// Superblock returns the owning superblock.
func (d *Dentry) Superblock() *Superblock { return d.sb }

// IsNegative reports whether d has no attached inode.
func (d *Dentry) IsNegative() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags.has(DentryNegative)
}

// Inode returns the attached inode, or nil if d is negative.
func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

// IsMounted reports whether a Mount is anchored at d.
func (d *Dentry) IsMounted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags.has(DentryMounted)
}

// mountedAt returns the Mount anchored at d, or nil.
func (d *Dentry) mountedAt() *Mount {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mount
}

// IncRef increments d's reference count. If d was parked on the LRU, the
// caller is responsible for having already lifted it out
// (DentryCache.reference does this on a lookup hit); IncRef alone does not
// touch LRU membership.
func (d *Dentry) IncRef() int32 { return d.refcount.IncRef() }

// RefCount returns the current reference count.
func (d *Dentry) RefCount() int32 { return d.refcount.Load() }

// path returns the slash-separated path from the filesystem root to d,
// used only for diagnostics (error annotation, logging); it is never part
// of a correctness-relevant comparison.
func (d *Dentry) path() string {
	if d.parent == d {
		return "/"
	}
	var parts []string
	cur := d
	for cur.parent != cur {
		parts = append([]string{cur.name.String()}, parts...)
		cur = cur.parent
	}
	out := "/"
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
