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

// Package vfs implements the kernel-level virtual filesystem layer: a
// uniform abstraction over multiple concrete filesystems providing path
// resolution, caching, inode/superblock/mount administration, and the
// request-context dispatch engine that ties them together.
//
// Global mutable state — the dentry cache, the mount table, and the
// filesystem-type registry — is encapsulated in a VirtualFilesystem value
// rather than held in package-level variables, so tests and independent
// callers can each construct their own isolated instance (spec §9's
// "Global mutable state" design note).
package vfs

import (
	"sync"

	"github.com/monkeyfs/vfs/pkg/fdtable"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// VirtualFilesystem is the top-level handle for one VFS instance: it owns
// the dentry cache (C2), the mount topology (C5), the filesystem-type
// registry (C6), and the intent dispatcher (C8), and exposes the public
// entry points of component C11.
type VirtualFilesystem struct {
	DC       *DentryCache
	Mounts   *MountTable
	FSTypes  *FilesystemRegistry
	Dispatch *Dispatcher
	FDs      *fdtable.Table

	rootMu     sync.RWMutex
	rootMount  *Mount
	rootDentry *Dentry
}

// New constructs an empty VirtualFilesystem with its own dentry cache,
// mount table, and filesystem-type registry, and registers the dentry,
// inode, and superblock layer handlers (the path-layer and
// filesystem-layer handlers are driven directly by Walk and by each
// back-end's Handle respectively, and fd-to-handle resolution is done by
// fileFor directly, so none of these has table entries here).
func New(lruCap int) *VirtualFilesystem {
	vfs := &VirtualFilesystem{
		DC:       NewDentryCache(lruCap),
		Mounts:   NewMountTable(),
		FSTypes:  NewFilesystemRegistry(),
		Dispatch: NewDispatcher(),
		FDs:      fdtable.New(),
	}
	registerDentryLayer(vfs)
	registerInodeLayer(vfs)
	registerSuperblockLayer(vfs)
	return vfs
}

// ProcessRoot returns the process's current (mount, dentry) root pair
// (spec §4.7's "process root"), as established by MountRootFS or most recently
// changed by PivotRoot.
func (vfs *VirtualFilesystem) ProcessRoot() (*Mount, *Dentry) {
	vfs.rootMu.RLock()
	defer vfs.rootMu.RUnlock()
	return vfs.rootMount, vfs.rootDentry
}

// SetProcessRoot installs (m, d) as the process root.
func (vfs *VirtualFilesystem) SetProcessRoot(m *Mount, d *Dentry) {
	vfs.rootMu.Lock()
	vfs.rootMount, vfs.rootDentry = m, d
	vfs.rootMu.Unlock()
}

// MountRootFS creates the initial superblock of type fstype and installs
// it as both the mount-table root and the process root; it is the entry
// point an embedder calls once at boot before any Open/Mount call.
func (vfs *VirtualFilesystem) MountRootFS(fstypeName, data string, flags MountFlags) (*Mount, error) {
	fstype, err := vfs.FSTypes.Lookup(fstypeName)
	if err != nil {
		return nil, err
	}
	sb := newSuperblock(fstype, nil)
	backend, err := fstype.NewInstance(sb, data)
	if err != nil {
		return nil, err
	}
	sb.impl = backend
	ctx := &Context{Action: ActionCreateSuperblock, Task: nil}
	if err := backend.Handle(ctx); err != nil {
		return nil, err
	}
	if sb.Root() == nil {
		return nil, vfserror.New(vfserror.InvalidInput)
	}
	mnt, err := vfs.Mounts.NewRoot(sb, flags)
	if err != nil {
		return nil, err
	}
	vfs.SetProcessRoot(mnt, sb.Root())
	return mnt, nil
}

// newContext builds a bare Context stamped with the given identity,
// ready for a public entry point to populate further.
func newContext(uid, gid uint32, task interface{}) *Context {
	return &Context{UID: uid, GID: gid, Task: task}
}
