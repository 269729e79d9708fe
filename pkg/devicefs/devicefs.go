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

// Package devicefs implements the device-backed filesystem back-end of
// spec §1's scope list (component C6). The superblock's DeviceID is left
// at zero; the simulated device is private to the back-end. It is
// modeled loosely on the shape of original_source's kernel/fs/hostfs (one
// flat inode space shadowing an external storage medium) but backed by a
// fixed-size simulated block device — a byte slice plus an injectable
// fault schedule — rather than real host file calls.
package devicefs

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"

	"github.com/monkeyfs/vfs/pkg/vfs"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

const magic = 0x44455649 // "DEVI"

// manifest is the TOML document devicefs's CREATE_SUPERBLOCK handler
// parses out of the mount-data object field (spec.md §2's REQUIRES_DEV
// filesystem flag hints at a concrete device without naming one; this
// manifest is the supplement).
type manifest struct {
	BlockSize   int     `toml:"block_size"`
	BlockCount  int     `toml:"block_count"`
	FaultEveryN int     `toml:"fault_every_n"` // 0 disables fault injection
	FaultRate   float64 `toml:"fault_rate"`
}

func defaultManifest() manifest {
	return manifest{BlockSize: 512, BlockCount: 4096}
}

// device is the simulated block device backing a devicefs superblock: a
// flat byte slice addressed by byte offset, plus a counter used to
// schedule injected transient failures deterministically.
type device struct {
	mu    sync.Mutex
	bytes []byte
	opCount uint64
	man   manifest
}

func (d *device) shouldFault() bool {
	if d.man.FaultEveryN <= 0 {
		return false
	}
	d.opCount++
	return int(d.opCount)%d.man.FaultEveryN == 0
}

func (d *device) readAt(buf []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFault() {
		return 0, errTransient
	}
	if off >= int64(len(d.bytes)) {
		return 0, nil
	}
	return copy(buf, d.bytes[off:]), nil
}

func (d *device) writeAt(buf []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFault() {
		return 0, errTransient
	}
	end := off + int64(len(buf))
	if end > int64(len(d.bytes)) {
		return 0, vfserror.New(vfserror.OutOfMemory)
	}
	return copy(d.bytes[off:end], buf), nil
}

// errTransient marks a simulated controller timeout, retried with
// backoff before surfacing to the caller; it never escapes a backend
// method.
var errTransient = fmt.Errorf("devicefs: simulated transient device error")

// node is the private content an Inode carries: a directory's name→inode
// map, or a regular file's byte range on the simulated device.
type node struct {
	mu       sync.Mutex
	children map[string]*vfs.Inode
	offset   int64
	length   int64
	target   string
}

// FSType returns the registerable descriptor for devicefs.
func FSType() *vfs.FilesystemType {
	return &vfs.FilesystemType{
		Name:        "devicefs",
		NewInstance: newInstance,
	}
}

type backend struct {
	sb  *vfs.Superblock
	dev *device
	// next is the next free byte offset on dev available for a new
	// file's content; devicefs never reclaims freed ranges (no
	// persistent on-disk layout is in scope).
	mu   sync.Mutex
	next int64
}

func newInstance(sb *vfs.Superblock, data string) (vfs.Backend, error) {
	man := defaultManifest()
	if data != "" {
		if _, err := toml.Decode(data, &man); err != nil {
			return nil, vfserror.Annotate(vfserror.InvalidInput, "mount", "devicefs manifest")
		}
	}
	if man.BlockSize <= 0 || man.BlockCount <= 0 {
		return nil, vfserror.New(vfserror.InvalidInput)
	}
	sb.Magic = magic
	sb.BlockSize = uint64(man.BlockSize)
	dev := &device{bytes: make([]byte, man.BlockSize*man.BlockCount), man: man}
	return &backend{sb: sb, dev: dev}, nil
}

func (b *backend) Handle(ctx *vfs.Context) error {
	switch ctx.Action {
	case vfs.ActionCreateSuperblock:
		return b.createSuperblock(ctx)
	case vfs.ActionMount, vfs.ActionMountBind:
		return nil
	case vfs.ActionUmountFS:
		return nil
	case vfs.ActionLookup:
		return b.lookup(ctx)
	case vfs.ActionCreate, vfs.ActionOpen:
		return b.createChild(ctx, vfs.TypeRegular)
	case vfs.ActionMkdir:
		return b.createChild(ctx, vfs.TypeDirectory)
	case vfs.ActionSymlink:
		return b.createSymlink(ctx)
	case vfs.ActionUnlink:
		return b.removeChild(ctx, false)
	case vfs.ActionRmdir:
		return b.removeChild(ctx, true)
	case vfs.ActionReadlink:
		return b.readlink(ctx)
	case vfs.ActionInodeRead:
		return b.read(ctx)
	case vfs.ActionInodeWrite:
		return b.write(ctx)
	case vfs.ActionWriteInode:
		return b.retrying(func() error { return nil })
	case vfs.ActionSyncFS:
		return nil
	case vfs.ActionEvictInode:
		return b.evict(ctx)
	case vfs.ActionStatFS:
		return b.statfs(ctx)
	case vfs.ActionPutSuper:
		return nil
	case vfs.ActionGetAttr, vfs.ActionSetAttr:
		return nil
	default:
		return vfserror.New(vfserror.NotImplemented)
	}
}

// retrying wraps a simulated-device operation with exponential backoff,
// the way a real block-device-backed filesystem retries controller
// timeouts before surfacing a hard I/O error (spec.md §2's REQUIRES_DEV
// flag implies a device whose operations can transiently fail; no
// supplied backend modeled that until now).
func (b *backend) retrying(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(func() error {
		err := op()
		if err == errTransient {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err == errTransient {
		return vfserror.New(vfserror.BadAddress)
	}
	if perr, ok := err.(*backoff.PermanentError); ok {
		if perr.Err == nil {
			return nil
		}
		return perr.Err
	}
	return err
}

func (b *backend) createSuperblock(ctx *vfs.Context) error {
	sb := b.sb
	root := sb.Inodes.Allocate()
	root.SetType(vfs.TypeDirectory)
	root.Private = &node{children: make(map[string]*vfs.Inode)}

	rootDentry := vfs.NewRootDentry(sb)
	rootDentry.BindRoot(root)
	sb.SetRoot(rootDentry)
	return nil
}

func (b *backend) dirNode(i *vfs.Inode) (*node, error) {
	n, ok := i.Private.(*node)
	if !ok || i.Type() != vfs.TypeDirectory {
		return nil, vfserror.New(vfserror.NotDirectory)
	}
	return n, nil
}

func (b *backend) lookup(ctx *vfs.Context) error {
	parent := ctx.CurrentDentry.Inode()
	n, err := b.dirNode(parent)
	if err != nil {
		return err
	}
	n.mu.Lock()
	child, ok := n.children[ctx.Component.String()]
	n.mu.Unlock()
	if !ok {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	ctx.Result = child
	return nil
}

// allocRange reserves length bytes of device space for a new file,
// advancing the backend's watermark.
func (b *backend) allocRange(length int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := b.next
	b.next += length
	return off
}

func (b *backend) createChild(ctx *vfs.Context, t vfs.FileType) error {
	parent := ctx.CurrentDentry.Parent().Inode()
	n, err := b.dirNode(parent)
	if err != nil {
		return err
	}
	name := ctx.CurrentDentry.Name().String()

	n.mu.Lock()
	if _, exists := n.children[name]; exists {
		n.mu.Unlock()
		return vfserror.Annotate(vfserror.AlreadyExists, "create", name)
	}
	n.mu.Unlock()

	child := parent.Superblock().Inodes.Allocate()
	child.SetType(t)
	switch t {
	case vfs.TypeDirectory:
		child.Private = &node{children: make(map[string]*vfs.Inode)}
	default:
		child.Private = &node{offset: b.allocRange(int64(b.sb.BlockSize))}
	}
	child.IncLink()

	n.mu.Lock()
	n.children[name] = child
	n.mu.Unlock()

	ctx.Result = child
	return nil
}

func (b *backend) createSymlink(ctx *vfs.Context) error {
	if err := b.createChild(ctx, vfs.TypeSymlink); err != nil {
		return err
	}
	child := ctx.Result.(*vfs.Inode)
	n := child.Private.(*node)
	n.mu.Lock()
	n.target = string(ctx.Buf)
	n.mu.Unlock()
	return nil
}

func (b *backend) removeChild(ctx *vfs.Context, dir bool) error {
	parent := ctx.CurrentDentry.Parent().Inode()
	n, err := b.dirNode(parent)
	if err != nil {
		return err
	}
	name := ctx.CurrentDentry.Name().String()

	n.mu.Lock()
	defer n.mu.Unlock()
	child, ok := n.children[name]
	if !ok {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	if dir {
		if child.Type() != vfs.TypeDirectory {
			return vfserror.New(vfserror.NotDirectory)
		}
		cn := child.Private.(*node)
		cn.mu.Lock()
		empty := len(cn.children) == 0
		cn.mu.Unlock()
		if !empty {
			return vfserror.New(vfserror.Busy)
		}
	} else if child.Type() == vfs.TypeDirectory {
		return vfserror.New(vfserror.IsDirectory)
	}
	delete(n.children, name)
	return nil
}

func (b *backend) readlink(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	if inode == nil || inode.Type() != vfs.TypeSymlink {
		return vfserror.New(vfserror.InvalidInput)
	}
	n := inode.Private.(*node)
	n.mu.Lock()
	target := n.target
	n.mu.Unlock()
	ctx.Result = target
	return nil
}

func (b *backend) read(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	n, ok := inode.Private.(*node)
	if !ok {
		return vfserror.New(vfserror.InvalidInput)
	}
	pos := ctx.File.Position()

	var count int
	err := b.retrying(func() error {
		n.mu.Lock()
		length := n.length
		base := n.offset
		n.mu.Unlock()
		if pos >= length {
			count = 0
			return nil
		}
		want := ctx.Buf
		if int64(len(want)) > length-pos {
			want = want[:length-pos]
		}
		c, rerr := b.dev.readAt(want, base+pos)
		count = c
		return rerr
	})
	if err != nil {
		return err
	}
	ctx.File.Advance(int64(count))
	ctx.Result = count
	return nil
}

func (b *backend) write(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	n, ok := inode.Private.(*node)
	if !ok {
		return vfserror.New(vfserror.InvalidInput)
	}
	pos := ctx.File.Position()

	var count int
	err := b.retrying(func() error {
		n.mu.Lock()
		base := n.offset
		n.mu.Unlock()
		c, werr := b.dev.writeAt(ctx.Buf, base+pos)
		count = c
		return werr
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	if pos+int64(count) > n.length {
		n.length = pos + int64(count)
	}
	size := n.length
	n.mu.Unlock()
	inode.SetSize(uint64(size))
	ctx.File.Advance(int64(count))
	ctx.Result = count
	return nil
}

func (b *backend) evict(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	if n, ok := inode.Private.(*node); ok {
		n.mu.Lock()
		n.children = nil
		n.mu.Unlock()
	}
	return nil
}

type statfsView struct {
	Type       uint32
	BSize      uint64
	TotalBytes int64
	FreeBytes  int64
}

func (b *backend) statfs(ctx *vfs.Context) error {
	b.mu.Lock()
	used := b.next
	b.mu.Unlock()
	total := int64(len(b.dev.bytes))
	ctx.Result = &statfsView{Type: b.sb.Magic, BSize: b.sb.BlockSize, TotalBytes: total, FreeBytes: total - used}
	return nil
}
