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

	"github.com/monkeyfs/vfs/pkg/atomicbitops"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// FileFlags augment a File beyond the OpenFlags it was opened with.
type FileFlags uint32

const (
	// FileSpecialSeek marks a handle whose LSEEK must be forwarded to
	// the inode layer instead of using the generic position formula
	// (spec §4.8's lseek entry point) — e.g. device files with custom
	// seek semantics.
	FileSpecialSeek FileFlags = 1 << iota
)

// File couples a (dentry, mount) pair with an inode, access-mode bits,
// and a current position (spec §4.5, component C10). All operations on
// one File are totally ordered by mu (spec §5's ordering guarantee).
type File struct {
	mu sync.Mutex

	dentry *Dentry
	mount  *Mount
	inode  *Inode

	openFlags OpenFlags
	fileFlags FileFlags
	pos       int64

	refcount atomicbitops.RefCount
}

// NewFile constructs a File pinned to (d, m), with refcount 1. The caller
// must have already taken the references d and m carry on behalf of this
// handle (Open takes a fresh reference on each); Close drops them when the
// handle's last reference goes.
func NewFile(d *Dentry, m *Mount, inode *Inode, flags OpenFlags) *File {
	f := &File{dentry: d, mount: m, inode: inode, openFlags: flags}
	f.refcount.IncRef()
	return f
}

// Dentry, Mount, Inode return the handle's anchor.
func (f *File) Dentry() *Dentry { return f.dentry }
func (f *File) Mount() *Mount   { return f.mount }
func (f *File) Inode() *Inode   { return f.inode }

// Flags returns the flags the file was opened with.
func (f *File) Flags() OpenFlags { return f.openFlags }

// MarkSpecialSeek sets FileSpecialSeek on f.
func (f *File) MarkSpecialSeek() {
	f.mu.Lock()
	f.fileFlags |= FileSpecialSeek
	f.mu.Unlock()
}

// IncRef/DecRef manage f's reference count.
func (f *File) IncRef() int32 { return f.refcount.IncRef() }
func (f *File) DecRef() int32 { return f.refcount.DecRef() }

// Position returns f's current offset.
func (f *File) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// Seek whence values, matching POSIX lseek(2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Seek implements spec §4.8's lseek entry point: if f bears
// FileSpecialSeek, the inode-layer INODE_LSEEK handler is invoked through
// dispatcher; otherwise the generic offset formula updates f's position
// under f's lock.
func (f *File) Seek(ctx *Context, dispatcher *Dispatcher, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	special := f.fileFlags&FileSpecialSeek != 0
	f.mu.Unlock()

	if special {
		ctx.File = f
		ctx.Mode = uint32(whence)
		ctx.DevID = uint64(offset)
		if err := ctx.WithAction(ActionInodeLseek, 0, func(c *Context) error {
			return dispatcher.Dispatch(LayerInode, c)
		}); err != nil {
			return 0, err
		}
		pos, _ := ctx.Result.(int64)
		return pos, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var newPos int64
	switch whence {
	case SeekSet:
		newPos = offset
	case SeekCur:
		newPos = f.pos + offset
	case SeekEnd:
		newPos = int64(f.inode.Size()) + offset
	default:
		return 0, vfserror.New(vfserror.InvalidInput)
	}
	if newPos < 0 {
		return 0, vfserror.New(vfserror.InvalidInput)
	}
	f.pos = newPos
	return newPos, nil
}

// Advance atomically reads the current position and advances it by delta,
// returning the position before the advance. The back-ends' READ/WRITE
// handlers call it after a transfer with the number of bytes moved, so
// position updates stay serialized under f's lock.
func (f *File) Advance(delta int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.pos
	f.pos += delta
	return start
}
