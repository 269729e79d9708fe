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

// Package ramfs implements the in-memory filesystem back-end of spec §1's
// scope list (component C6), modeled on original_source's kernel/fs/ramfs.c:
// every inode's content lives entirely in its Private field — a byte
// buffer for regular files, a name→inode map for directories, a target
// string for symlinks — and superblock operations that would touch a disk
// (write-inode, sync) are no-ops.
package ramfs

import (
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/monkeyfs/vfs/pkg/vfs"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

const magic = 0x534d4152 // "SMAR", matching original_source's RAMFS_MAGIC

// node is the private content an Inode carries while it belongs to a ramfs
// superblock.
type node struct {
	mu       sync.Mutex
	children map[string]*vfs.Inode // valid for directories
	data     []byte                // valid for regular files
	target   string                // valid for symlinks
	xattrs   map[string][]byte
}

// FSType returns the registerable descriptor for ramfs, for a caller to
// pass to FilesystemRegistry.Register.
func FSType() *vfs.FilesystemType {
	return &vfs.FilesystemType{
		Name:        "ramfs",
		NewInstance: newInstance,
	}
}

type backend struct {
	sb *vfs.Superblock
}

func newInstance(sb *vfs.Superblock, data string) (vfs.Backend, error) {
	sb.Magic = magic
	sb.BlockSize = 4096
	return &backend{sb: sb}, nil
}

func (b *backend) Handle(ctx *vfs.Context) error {
	switch ctx.Action {
	case vfs.ActionCreateSuperblock:
		return b.createSuperblock(ctx)
	case vfs.ActionMount, vfs.ActionMountBind:
		return nil // the root is already live; nothing more to do per mount
	case vfs.ActionUmountFS:
		return nil
	case vfs.ActionLookup:
		return b.lookup(ctx)
	case vfs.ActionCreate, vfs.ActionOpen:
		return b.createChild(ctx, vfs.TypeRegular)
	case vfs.ActionMkdir:
		return b.createChild(ctx, vfs.TypeDirectory)
	case vfs.ActionMknod:
		return b.createChild(ctx, vfs.TypeDevice)
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
	case vfs.ActionWriteInode, vfs.ActionSyncFS:
		return nil
	case vfs.ActionEvictInode:
		return b.evict(ctx)
	case vfs.ActionStatFS:
		return b.statfs(ctx)
	case vfs.ActionInodeSetXattr:
		return b.setXattr(ctx)
	case vfs.ActionInodeGetXattr:
		return b.getXattr(ctx)
	case vfs.ActionInodeListXattr:
		return b.listXattr(ctx)
	case vfs.ActionInodeRemoveXattr:
		return b.removeXattr(ctx)
	case vfs.ActionGetAttr, vfs.ActionSetAttr, vfs.ActionPutSuper:
		return nil
	default:
		return vfserror.New(vfserror.NotImplemented)
	}
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
		child.Private = &node{}
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

	n.mu.Lock()
	defer n.mu.Unlock()
	if pos >= int64(len(n.data)) {
		ctx.Result = 0
		return nil
	}
	copied := copy(ctx.Buf, n.data[pos:])
	ctx.File.Advance(int64(copied))
	ctx.Result = copied
	return nil
}

func (b *backend) write(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	n, ok := inode.Private.(*node)
	if !ok {
		return vfserror.New(vfserror.InvalidInput)
	}
	pos := ctx.File.Position()

	n.mu.Lock()
	end := pos + int64(len(ctx.Buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[pos:end], ctx.Buf)
	size := len(n.data)
	n.mu.Unlock()

	inode.SetSize(uint64(size))
	ctx.File.Advance(int64(len(ctx.Buf)))
	ctx.Result = len(ctx.Buf)
	return nil
}

func (b *backend) evict(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	if n, ok := inode.Private.(*node); ok {
		n.mu.Lock()
		n.data = nil
		n.children = nil
		n.mu.Unlock()
	}
	return nil
}

// statfsView is the deep-copyable snapshot STATFS hands back, kept
// separate from any internal superblock state (spec §4.6's STATFS entry;
// the deep copy keeps a caller from corrupting cached state, the same
// defensive concern the teacher's syscalls/linux layer addresses with
// manual field copies).
type statfsView struct {
	Type    uint32
	BSize   uint64
	NameLen uint32
	Files   uint64
}

func (b *backend) statfs(ctx *vfs.Context) error {
	sb := ctx.CurrentMount.Superblock()
	view := &statfsView{Type: sb.Magic, BSize: sb.BlockSize, NameLen: 255, Files: uint64(sb.MountCount())}
	ctx.Result = deepcopy.Copy(view)
	return nil
}

func (b *backend) xattrNode(ctx *vfs.Context) (*node, error) {
	inode := ctx.CurrentDentry.Inode()
	if inode == nil {
		return nil, vfserror.New(vfserror.NoSuchEntry)
	}
	n := inode.Private.(*node)
	n.mu.Lock()
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.mu.Unlock()
	return n, nil
}

func (b *backend) setXattr(ctx *vfs.Context) error {
	n, err := b.xattrNode(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.xattrs[ctx.XattrName] = append([]byte(nil), ctx.Buf...)
	n.mu.Unlock()
	return nil
}

func (b *backend) getXattr(ctx *vfs.Context) error {
	n, err := b.xattrNode(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	v, ok := n.xattrs[ctx.XattrName]
	n.mu.Unlock()
	if !ok {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	ctx.Result = append([]byte(nil), v...)
	return nil
}

func (b *backend) listXattr(ctx *vfs.Context) error {
	n, err := b.xattrNode(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	names := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		names = append(names, k)
	}
	n.mu.Unlock()
	ctx.Result = names
	return nil
}

func (b *backend) removeXattr(ctx *vfs.Context) error {
	n, err := b.xattrNode(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.xattrs, ctx.XattrName)
	n.mu.Unlock()
	return nil
}
