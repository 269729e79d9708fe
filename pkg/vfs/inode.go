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

	"github.com/sirupsen/logrus"

	"github.com/monkeyfs/vfs/pkg/atomicbitops"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// InodeFlags are the per-inode state bits of spec §3.
type InodeFlags uint32

const (
	InodeDirty InodeFlags = 1 << iota
	InodeDirtySync
	InodeDirtyDatasync
	InodeIO
	InodeFreeing
	InodeClear
)

func (f InodeFlags) has(bit InodeFlags) bool { return f&bit != 0 }

// inodeState names which of a superblock's three state lists an Inode
// currently belongs to; every inode is on exactly one (spec §3, §4.4,
// §8's quantified invariant).
type inodeState int

const (
	stateClean inodeState = iota
	stateDirty
	stateIO
)

// FileType is the inode's object type, mirroring the high bits of a
// POSIX mode word.
type FileType uint32

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeDevice
	TypeFIFO
)

// Inode is the filesystem object behind a name: metadata plus a content
// handle (spec §3, GLOSSARY "Inode").
//
// Unless noted, fields are protected by mu.
type Inode struct {
	mu sync.Mutex

	sb       *Superblock
	registry *InodeRegistry
	ino      uint64

	fileType FileType
	mode     uint32 // permission bits only; type lives in fileType
	uid, gid uint32
	linkCount atomicbitops.Int32
	size      atomicbitops.Uint64
	atime, mtime, ctime time.Time

	flags InodeFlags
	state inodeState

	aliases []*Dentry // dentries naming this inode

	refcount atomicbitops.RefCount

	// Private is back-end-specific state (e.g. ramfs's byte buffer or
	// child map, hostfs's host path). Filesystem handlers own its
	// contents; the VFS core never interprets it.
	Private interface{}
}

// Ino returns the inode's number, unique within its superblock.
func (i *Inode) Ino() uint64 { return i.ino }

// Superblock returns the owning superblock.
func (i *Inode) Superblock() *Superblock { return i.sb }

// Type returns the inode's file type.
func (i *Inode) Type() FileType {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fileType
}

// SetType sets the inode's file type; called once by a back-end at
// creation time.
func (i *Inode) SetType(t FileType) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fileType = t
}

// Mode, Uid, Gid, Size return a metadata snapshot.
func (i *Inode) Mode() uint32 { i.mu.Lock(); defer i.mu.Unlock(); return i.mode }
func (i *Inode) Uid() uint32  { i.mu.Lock(); defer i.mu.Unlock(); return i.uid }
func (i *Inode) Gid() uint32  { i.mu.Lock(); defer i.mu.Unlock(); return i.gid }
func (i *Inode) Size() uint64 { return i.size.Load() }

// SetSize updates the inode's size, as a back-end does after a write.
func (i *Inode) SetSize(n uint64) { i.size.Store(n) }

// SetMetadata applies a SETATTR-style metadata update. Only root (uid 0)
// may change ownership or widen mode beyond what the owner could do
// (spec §4.4).
func (i *Inode) SetMetadata(callerUID, callerGID uint32, mode *uint32, uid, gid *uint32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	isRoot := callerUID == 0
	isOwner := callerUID == i.uid
	if (uid != nil || gid != nil) && !isRoot {
		return vfserror.New(vfserror.PermissionDenied)
	}
	if mode != nil && !isRoot && !isOwner {
		return vfserror.New(vfserror.PermissionDenied)
	}
	if mode != nil {
		i.mode = *mode
	}
	if uid != nil {
		i.uid = *uid
	}
	if gid != nil {
		i.gid = *gid
	}
	i.ctime = time.Now()
	return nil
}

// LinkCount returns the inode's hard-link count.
func (i *Inode) LinkCount() int32 { return i.linkCount.Load() }

// IncLink/DecLink adjust the link count; DecLink reaching zero marks the
// inode FREEING (spec §3 invariant, §4.4 drop).
func (i *Inode) IncLink() { i.linkCount.Add(1) }
func (i *Inode) DecLink() int32 {
	n := i.linkCount.Add(-1)
	if n <= 0 {
		i.mu.Lock()
		i.flags |= InodeFreeing
		i.mu.Unlock()
	}
	return n
}

// IncRef increments i's reference count.
func (i *Inode) IncRef() int32 { return i.refcount.IncRef() }

// addAlias records that d now names i.
func (i *Inode) addAlias(d *Dentry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.aliases = append(i.aliases, d)
}

// removeAlias drops d from i's alias list.
func (i *Inode) removeAlias(d *Dentry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, a := range i.aliases {
		if a == d {
			i.aliases = append(i.aliases[:idx], i.aliases[idx+1:]...)
			break
		}
	}
}

// aliasCount returns the number of dentries naming i.
func (i *Inode) aliasCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.aliases)
}

// CheckPermission implements spec §4.4's permission-check routine: given
// an access mask and the caller's uid/gid, returns nil or
// vfserror.PermissionDenied, consistent with the inode's mode bits. Root
// (uid 0) bypasses all checks.
func CheckPermission(i *Inode, mask PermMask, uid, gid uint32) error {
	if uid == 0 {
		return nil
	}
	i.mu.Lock()
	mode := i.mode
	owner := i.uid
	group := i.gid
	i.mu.Unlock()

	var bits uint32
	switch {
	case uid == owner:
		bits = (mode >> 6) & 0o7
	case gid == group:
		bits = (mode >> 3) & 0o7
	default:
		bits = mode & 0o7
	}
	var want uint32
	if mask&PermRead != 0 {
		want |= 0o4
	}
	if mask&PermWrite != 0 {
		want |= 0o2
	}
	if mask&PermExecute != 0 {
		want |= 0o1
	}
	if bits&want != want {
		return vfserror.New(vfserror.PermissionDenied)
	}
	return nil
}

// InodeRegistry manages the lifecycle of every inode belonging to one
// superblock: the {all, clean, dirty, under-IO} lists of spec §3/§4.4.
// Every inode is on exactly one of {clean, dirty, under-IO} and always on
// {all}; transitions are protected by mu (the superblock's "state-list
// lock", kept separate from the superblock's own lock per spec §5 rule 4).
type InodeRegistry struct {
	sb *Superblock

	mu      sync.Mutex
	all     map[uint64]*Inode
	clean   map[uint64]*Inode
	dirty   map[uint64]*Inode
	io      map[uint64]*Inode
	nextIno atomicbitops.Uint64
}

// NewInodeRegistry constructs an empty registry for sb.
func NewInodeRegistry(sb *Superblock) *InodeRegistry {
	return &InodeRegistry{
		sb:    sb,
		all:   make(map[uint64]*Inode),
		clean: make(map[uint64]*Inode),
		dirty: make(map[uint64]*Inode),
		io:    make(map[uint64]*Inode),
	}
}

// Allocate assigns the next ino number for sb and returns a new Inode on
// {all, clean} with refcount 1 (spec §4.4).
func (r *InodeRegistry) Allocate() *Inode {
	ino := r.nextIno.Add(1)
	i := &Inode{sb: r.sb, registry: r, ino: ino, state: stateClean}
	i.refcount.IncRef()
	now := time.Now()
	i.atime, i.mtime, i.ctime = now, now, now

	r.mu.Lock()
	r.all[ino] = i
	r.clean[ino] = i
	r.mu.Unlock()
	return i
}

// MarkDirty moves i from {clean|under-IO} to {dirty}, setting DIRTY and,
// if datasync is true, DIRTY_DATASYNC (spec §4.4).
func (r *InodeRegistry) MarkDirty(i *Inode, datasync bool) {
	r.mu.Lock()
	delete(r.clean, i.ino)
	delete(r.io, i.ino)
	r.dirty[i.ino] = i
	r.mu.Unlock()

	i.mu.Lock()
	i.state = stateDirty
	i.flags |= InodeDirty
	if datasync {
		i.flags |= InodeDirtyDatasync
	}
	i.mu.Unlock()
}

// WriteBack moves i from {dirty} to {under-IO}, invokes the back-end's
// WRITE_INODE handler, and moves i to {clean} on success (spec §4.4). If
// wait is true, WriteBack blocks until the call returns (this
// implementation is always synchronous, so wait only affects whether a
// failure is surfaced to the caller or merely logged).
func (r *InodeRegistry) WriteBack(i *Inode, wait bool, writeInode func(*Inode) error) error {
	r.mu.Lock()
	delete(r.dirty, i.ino)
	r.io[i.ino] = i
	r.mu.Unlock()

	i.mu.Lock()
	i.state = stateIO
	i.flags |= InodeIO
	i.mu.Unlock()

	err := writeInode(i)

	i.mu.Lock()
	i.flags &^= InodeIO
	i.mu.Unlock()

	r.mu.Lock()
	delete(r.io, i.ino)
	if err == nil {
		r.clean[i.ino] = i
		i.mu.Lock()
		i.state = stateClean
		i.flags &^= InodeDirty | InodeDirtySync | InodeDirtyDatasync
		i.mu.Unlock()
	} else {
		r.dirty[i.ino] = i
	}
	r.mu.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("ino", i.ino).Warn("vfs: write-back failed")
		if wait {
			return err
		}
	}
	return nil
}

// unrefLocked decrements i's refcount. When it reaches zero and i has no
// remaining aliases, Evict is invoked and i is removed from every list.
// Named unrefLocked because dcache.freeLocked calls it while already
// holding no dentry locks that would violate lock ordering (the inode
// lock nests inside nothing dcache holds at that point, per spec §5
// rule 3).
func (r *InodeRegistry) unrefLocked(i *Inode) {
	if i.refcount.DecRef() > 0 {
		return
	}
	if i.aliasCount() > 0 {
		return
	}
	r.Evict(i, nil)
}

// Evict runs the back-end's EVICT_INODE handler (if non-nil) and removes
// i from all lists, per spec §4.4. Called when the last alias and last
// reference go away, or directly by a filesystem that wants to force
// eviction (e.g. unlink of a fully-unreferenced file).
func (r *InodeRegistry) Evict(i *Inode, evictInode func(*Inode) error) {
	i.mu.Lock()
	i.flags |= InodeFreeing
	i.mu.Unlock()

	if evictInode != nil {
		if err := evictInode(i); err != nil {
			logrus.WithError(err).WithField("ino", i.ino).Warn("vfs: evict_inode failed")
		}
	}

	r.mu.Lock()
	delete(r.all, i.ino)
	delete(r.clean, i.ino)
	delete(r.dirty, i.ino)
	delete(r.io, i.ino)
	r.mu.Unlock()

	i.mu.Lock()
	i.flags |= InodeClear
	i.mu.Unlock()
}

// Drop is called when i's link count reaches zero: FREEING is set (via
// DecLink) and eviction is scheduled for the last unref (spec §4.4). Since
// this implementation's unrefLocked already evicts as soon as refcount and
// alias count both reach zero, Drop's only remaining duty is to evict
// eagerly if that has already happened by the time unlink runs.
func (r *InodeRegistry) Drop(i *Inode, evictInode func(*Inode) error) {
	if i.LinkCount() > 0 {
		return
	}
	if i.refcount.Load() <= 0 && i.aliasCount() == 0 {
		r.Evict(i, evictInode)
	}
}
