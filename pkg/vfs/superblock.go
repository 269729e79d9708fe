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
)

// Superblock is the in-memory handle for one mounted filesystem instance
// (spec §3, GLOSSARY "Superblock"): component C4.
type Superblock struct {
	fstype *FilesystemType
	impl   Backend // the registered type's dispatch entry point, bound to this instance

	DeviceID uint64 // 0 for virtual filesystems
	BlockSize uint64
	Magic     uint32
	TimeGranularity time.Duration
	Flags     FilesystemFlags
	Caps      CapabilityFlags

	mu   sync.Mutex
	root *Dentry

	Inodes *InodeRegistry

	mountsMu sync.Mutex
	mounts   []*Mount // every Mount using this superblock

	// refcount = the construction reference + live mountpoints + open
	// files; dentries do not pin the superblock (spec §3's superblock
	// refcount note, kept deliberately separate from mount refcounts per
	// §9's "Open questions" — mount lifetime and superblock pin-count are
	// tracked independently here).
	refcount atomicbitops.RefCount
}

// newSuperblock constructs a bare superblock for fstype; Inodes is wired
// up eagerly since every back-end needs it immediately to allocate a root
// inode during CREATE_SUPERBLOCK.
func newSuperblock(fstype *FilesystemType, impl Backend) *Superblock {
	sb := &Superblock{fstype: fstype, impl: impl}
	sb.Inodes = NewInodeRegistry(sb)
	sb.refcount.IncRef()
	return sb
}

// Root returns the superblock's root dentry.
func (sb *Superblock) Root() *Dentry {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.root
}

// SetRoot installs sb's root dentry; called once by a back-end's
// CREATE_SUPERBLOCK handler.
func (sb *Superblock) SetRoot(d *Dentry) {
	sb.mu.Lock()
	sb.root = d
	sb.mu.Unlock()
}

// FilesystemType returns the registered type descriptor sb was created
// from.
func (sb *Superblock) FilesystemType() *FilesystemType { return sb.fstype }

// Backend returns the dispatch entry point for sb's filesystem instance.
func (sb *Superblock) Backend() Backend { return sb.impl }

// CaseInsensitive reports whether sb's filesystem folds case when
// comparing names (spec §3: "Case-sensitivity is a per-superblock
// capability").
func (sb *Superblock) CaseInsensitive() bool { return sb.Caps&CapCaseInsensitive != 0 }

// AddMount registers mnt as using sb.
func (sb *Superblock) AddMount(mnt *Mount) {
	sb.mountsMu.Lock()
	sb.mounts = append(sb.mounts, mnt)
	sb.mountsMu.Unlock()
	sb.refcount.IncRef()
}

// RemoveMount unregisters mnt from sb, releasing the pin it held.
func (sb *Superblock) RemoveMount(mnt *Mount) {
	sb.mountsMu.Lock()
	for idx, m := range sb.mounts {
		if m == mnt {
			sb.mounts = append(sb.mounts[:idx], sb.mounts[idx+1:]...)
			break
		}
	}
	sb.mountsMu.Unlock()
	sb.refcount.DecRef()
}

// MountCount returns how many live mounts currently expose sb.
func (sb *Superblock) MountCount() int {
	sb.mountsMu.Lock()
	defer sb.mountsMu.Unlock()
	return len(sb.mounts)
}

// PinForOpenFile/UnpinForOpenFile track the "open files" component of
// sb's refcount, kept distinct from mount-liveness (spec §9's redesign
// note on the source's conflated refcount semantics).
func (sb *Superblock) PinForOpenFile() { sb.refcount.IncRef() }
func (sb *Superblock) UnpinForOpenFile() { sb.refcount.DecRef() }

// RefCount returns the combined construction + mounts + open-file count;
// pinned dentries are not counted.
func (sb *Superblock) RefCount() int32 { return sb.refcount.Load() }
