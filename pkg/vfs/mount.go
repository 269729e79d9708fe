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

	"github.com/sirupsen/logrus"

	"github.com/monkeyfs/vfs/pkg/atomicbitops"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// AttachedAt names the (parent-mount, parent-dentry) pair a Mount appears
// under. It is the zero value (nil, nil) only for the global root mount
// (spec §3).
type AttachedAt struct {
	ParentMount  *Mount
	ParentDentry *Dentry
}

func (a AttachedAt) isRoot() bool { return a.ParentMount == nil && a.ParentDentry == nil }

// Mount is a node in the mount topology graph, linking a superblock at a
// (parent-mount, parent-dentry) point (spec §3, GLOSSARY "Mount"):
// component C5.
type Mount struct {
	sb         *Superblock
	root       *Dentry // mount-root dentry, within sb
	attachedAt AttachedAt
	flags      MountFlags
	refcount   atomicbitops.RefCount
}

// Superblock returns the superblock mnt exposes.
func (m *Mount) Superblock() *Superblock { return m.sb }

// Root returns mnt's mount-root dentry.
func (m *Mount) Root() *Dentry { return m.root }

// AttachedAt returns the point mnt is anchored at.
func (m *Mount) AttachedAt() AttachedAt { return m.attachedAt }

// Flags returns mnt's mount flags.
func (m *Mount) Flags() MountFlags { return m.flags }

// IncRef/DecRef manage mnt's reference count.
func (m *Mount) IncRef() int32 { return m.refcount.IncRef() }
func (m *Mount) DecRef() int32 { return m.refcount.DecRef() }

// MountTable is the global mount topology: a hash from AttachedAt to the
// Mount anchored there, plus the set of all live mounts (spec §2 C5,
// §4.3's "mount-crossing" consultation). It is a leaf in the lock
// ordering (spec §5 rule 6): nothing is acquired while holding mu.
type MountTable struct {
	mu      sync.Mutex
	byPoint map[mountKey]*Mount
	all     map[*Mount]struct{}
	root    *Mount
}

type mountKey struct {
	parentMount  *Mount
	parentDentry *Dentry
}

// NewMountTable constructs an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{
		byPoint: make(map[mountKey]*Mount),
		all:     make(map[*Mount]struct{}),
	}
}

// NewRoot installs sb's root dentry as the process root mount. There can
// be only one root mount per table.
func (t *MountTable) NewRoot(sb *Superblock, flags MountFlags) (*Mount, error) {
	t.mu.Lock()
	if t.root != nil {
		t.mu.Unlock()
		return nil, vfserror.New(vfserror.Busy)
	}
	m := &Mount{sb: sb, root: sb.Root(), flags: flags | MountRootFS}
	m.refcount.IncRef()
	t.root = m
	t.all[m] = struct{}{}
	t.mu.Unlock()

	sb.AddMount(m)
	logrus.Debug("vfs: root mount installed")
	return m, nil
}

// Root returns the process root mount.
func (t *MountTable) Root() *Mount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Attach anchors mnt at (parentMount, parentDentry), marking parentDentry
// MOUNTED (spec §3 invariant: "attached_at.parent_dentry has the MOUNTED
// flag set and maps to exactly one mount in the global mount table").
func (t *MountTable) Attach(mnt *Mount, parentMount *Mount, parentDentry *Dentry) error {
	key := mountKey{parentMount, parentDentry}

	t.mu.Lock()
	if _, exists := t.byPoint[key]; exists {
		t.mu.Unlock()
		return vfserror.Annotate(vfserror.Busy, "mount", parentDentry.path())
	}
	mnt.attachedAt = AttachedAt{ParentMount: parentMount, ParentDentry: parentDentry}
	t.byPoint[key] = mnt
	t.all[mnt] = struct{}{}
	t.mu.Unlock()

	parentDentry.mu.Lock()
	parentDentry.flags |= DentryMounted
	parentDentry.mount = mnt
	parentDentry.mu.Unlock()
	parentDentry.IncRef() // the mountpoint dentry is pinned while mounted

	mnt.sb.AddMount(mnt)
	logrus.WithField("point", parentDentry.path()).Debug("vfs: mount attached")
	return nil
}

// Lookup returns the Mount anchored at (parentMount, parentDentry), if
// any (spec §4.3's mount-crossing consultation).
func (t *MountTable) Lookup(parentMount *Mount, parentDentry *Dentry) (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byPoint[mountKey{parentMount, parentDentry}]
	return m, ok
}

// Detach removes mnt from the table and clears MOUNTED on its mountpoint
// dentry, releasing the pin Attach took. It is the caller's
// responsibility to have verified mnt is not busy (no children, refcount
// permits it) before calling Detach. dc is the dentry cache that owns the
// mountpoint dentry's reference count; passed explicitly rather than
// reached via a package-level global so tests can instantiate isolated
// VirtualFilesystem instances (spec §9's "Global mutable state" note).
func (t *MountTable) Detach(mnt *Mount, dc *DentryCache) {
	t.mu.Lock()
	if mnt == t.root {
		t.root = nil
	}
	key := mountKey{mnt.attachedAt.ParentMount, mnt.attachedAt.ParentDentry}
	delete(t.byPoint, key)
	delete(t.all, mnt)
	t.mu.Unlock()

	if !mnt.attachedAt.isRoot() {
		pd := mnt.attachedAt.ParentDentry
		pd.mu.Lock()
		pd.flags &^= DentryMounted
		pd.mount = nil
		pd.mu.Unlock()
		dc.Unref(pd)
	}
	mnt.sb.RemoveMount(mnt)
	logrus.Debug("vfs: mount detached")
}
