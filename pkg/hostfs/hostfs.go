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

// Package hostfs implements the host-backed filesystem back-end of spec
// §1's scope list (component C6), modeled on
// original_source's kernel/fs/hostfs/{hostfs_fstype,hostfs_superblock}.c:
// every inode shadows a real path beneath a fixed host root directory, and
// content operations (read/write/lookup/create/unlink) are real openat-
// family syscalls against that path rather than an in-memory structure.
package hostfs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/monkeyfs/vfs/pkg/vfs"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

const magic = 0x484f5354 // "HOST"

// node is the private content an Inode carries while it belongs to a
// hostfs superblock: the path beneath the mount's host root, plus an
// open file descriptor once the inode has been read or written through.
type node struct {
	mu   sync.Mutex
	path string // relative to backend.root, slash-separated
	fd   int    // 0 iff not currently open
}

// FSType returns the registerable descriptor for hostfs.
func FSType() *vfs.FilesystemType {
	return &vfs.FilesystemType{
		Name:        "hostfs",
		NewInstance: newInstance,
	}
}

// backend binds a superblock to the host directory it exposes. lock is
// an advisory flock on root held for the life of the mount, so a second
// VFS mount of the same host path fails fast instead of racing on
// write-back (spec.md §1's host-backed scope, grounded on
// original_source's single-mount-per-host-path assumption).
type backend struct {
	sb   *vfs.Superblock
	root string
	lock *flock.Flock
}

// newInstance opens root (the mount-data string) and takes an advisory
// lock on it, mirroring hostfs_fill_super's role of pinning the
// filesystem-specific superblock state before the root inode exists.
func newInstance(sb *vfs.Superblock, data string) (vfs.Backend, error) {
	root := data
	if root == "" {
		return nil, vfserror.New(vfserror.InvalidInput)
	}
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return nil, vfserror.Annotate(vfserror.NoSuchEntry, "mount", root)
	}
	lock := flock.New(filepath.Join(root, ".vfs.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, vfserror.Annotate(vfserror.Busy, "mount", root)
	}
	sb.Magic = magic
	sb.BlockSize = 4096
	return &backend{sb: sb, root: root, lock: lock}, nil
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
	case vfs.ActionPutSuper:
		return b.putSuper(ctx)
	case vfs.ActionGetAttr, vfs.ActionSetAttr:
		return nil
	case vfs.ActionInodeSetXattr, vfs.ActionInodeGetXattr,
		vfs.ActionInodeListXattr, vfs.ActionInodeRemoveXattr:
		return vfserror.New(vfserror.NotSupported)
	default:
		return vfserror.New(vfserror.NotImplemented)
	}
}

// hostPath joins b's root with a node's recorded relative path.
func (b *backend) hostPath(rel string) string { return filepath.Join(b.root, rel) }

// createSuperblock allocates the root inode shadowing b.root itself,
// mirroring hostfs_fill_super's root_inode/root_dentry construction.
func (b *backend) createSuperblock(ctx *vfs.Context) error {
	sb := b.sb
	root := sb.Inodes.Allocate()
	root.SetType(vfs.TypeDirectory)
	root.Private = &node{path: ""}

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
	name := ctx.Component.String()
	rel := joinRel(n.path, name)
	fi, err := os.Lstat(b.hostPath(rel))
	if err != nil {
		return vfserror.Annotate(vfserror.NoSuchEntry, "lookup", name)
	}

	child := ctx.CurrentMount.Superblock().Inodes.Allocate()
	child.SetType(typeOf(fi))
	child.SetSize(uint64(fi.Size()))
	child.Private = &node{path: rel}
	child.IncLink()
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
	rel := joinRel(n.path, name)
	full := b.hostPath(rel)

	switch t {
	case vfs.TypeDirectory:
		if err := unix.Mkdir(full, 0755); err != nil {
			return translate(err, "mkdir", name)
		}
	default:
		fd, err := unix.Open(full, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0644)
		if err != nil {
			return translate(err, "create", name)
		}
		unix.Close(fd)
	}

	child := parent.Superblock().Inodes.Allocate()
	child.SetType(t)
	child.Private = &node{path: rel}
	child.IncLink()
	ctx.Result = child
	return nil
}

func (b *backend) createSymlink(ctx *vfs.Context) error {
	parent := ctx.CurrentDentry.Parent().Inode()
	n, err := b.dirNode(parent)
	if err != nil {
		return err
	}
	name := ctx.CurrentDentry.Name().String()
	rel := joinRel(n.path, name)
	if err := unix.Symlink(string(ctx.Buf), b.hostPath(rel)); err != nil {
		return translate(err, "symlink", name)
	}

	child := parent.Superblock().Inodes.Allocate()
	child.SetType(vfs.TypeSymlink)
	child.Private = &node{path: rel}
	child.IncLink()
	ctx.Result = child
	return nil
}

func (b *backend) removeChild(ctx *vfs.Context, dir bool) error {
	parent := ctx.CurrentDentry.Parent().Inode()
	n, err := b.dirNode(parent)
	if err != nil {
		return err
	}
	name := ctx.CurrentDentry.Name().String()
	full := b.hostPath(joinRel(n.path, name))

	if dir {
		if err := unix.Rmdir(full); err != nil {
			return translate(err, "rmdir", name)
		}
		return nil
	}
	if err := unix.Unlink(full); err != nil {
		return translate(err, "unlink", name)
	}
	return nil
}

func (b *backend) readlink(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	n, ok := inode.Private.(*node)
	if !ok || inode.Type() != vfs.TypeSymlink {
		return vfserror.New(vfserror.InvalidInput)
	}
	target, err := os.Readlink(b.hostPath(n.path))
	if err != nil {
		return translate(err, "readlink", n.path)
	}
	ctx.Result = target
	return nil
}

func (b *backend) read(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	n, ok := inode.Private.(*node)
	if !ok {
		return vfserror.New(vfserror.InvalidInput)
	}
	f, err := os.Open(b.hostPath(n.path))
	if err != nil {
		return translate(err, "read", n.path)
	}
	defer f.Close()

	count, err := f.ReadAt(ctx.Buf, ctx.File.Position())
	if err != nil && count == 0 {
		ctx.Result = 0
		return nil
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
	f, err := os.OpenFile(b.hostPath(n.path), os.O_WRONLY, 0644)
	if err != nil {
		return translate(err, "write", n.path)
	}
	defer f.Close()

	pos := ctx.File.Position()
	count, err := f.WriteAt(ctx.Buf, pos)
	if err != nil {
		return translate(err, "write", n.path)
	}
	if fi, err := f.Stat(); err == nil {
		inode.SetSize(uint64(fi.Size()))
	}
	ctx.File.Advance(int64(count))
	ctx.Result = count
	return nil
}

func (b *backend) evict(ctx *vfs.Context) error {
	inode := ctx.CurrentDentry.Inode()
	if n, ok := inode.Private.(*node); ok {
		n.mu.Lock()
		n.fd = 0
		n.mu.Unlock()
	}
	return nil
}

type statfsView struct {
	Type  uint32
	BSize uint64
}

func (b *backend) statfs(ctx *vfs.Context) error {
	var st unix.Statfs_t
	if err := unix.Statfs(b.root, &st); err != nil {
		return translate(err, "statfs", b.root)
	}
	ctx.Result = &statfsView{Type: magic, BSize: uint64(st.Bsize)}
	return nil
}

// putSuper releases the advisory host lock taken at mount time
// (hostfs_put_super's counterpart: "clean up filesystem-specific
// superblock data").
func (b *backend) putSuper(ctx *vfs.Context) error {
	return b.lock.Unlock()
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func typeOf(fi os.FileInfo) vfs.FileType {
	switch {
	case fi.IsDir():
		return vfs.TypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		return vfs.TypeSymlink
	case fi.Mode()&os.ModeDevice != 0:
		return vfs.TypeDevice
	default:
		return vfs.TypeRegular
	}
}

// translate maps a host syscall error onto the closed vfserror taxonomy
// (spec §7), the same boundary-translation role
// original_source's -errno returns play at the hostfs/VFS seam.
func translate(err error, op, path string) error {
	errno, ok := err.(unix.Errno)
	if !ok {
		if pe, ok := err.(*os.PathError); ok {
			if e, ok := pe.Err.(unix.Errno); ok {
				errno = e
			} else {
				return vfserror.Annotate(vfserror.InvalidInput, op, path)
			}
		} else {
			return vfserror.Annotate(vfserror.InvalidInput, op, path)
		}
	}
	switch errno {
	case unix.ENOENT:
		return vfserror.Annotate(vfserror.NoSuchEntry, op, path)
	case unix.EEXIST:
		return vfserror.Annotate(vfserror.AlreadyExists, op, path)
	case unix.ENOTDIR:
		return vfserror.Annotate(vfserror.NotDirectory, op, path)
	case unix.EISDIR:
		return vfserror.Annotate(vfserror.IsDirectory, op, path)
	case unix.ENOTEMPTY, unix.EBUSY:
		return vfserror.Annotate(vfserror.Busy, op, path)
	case unix.EACCES, unix.EPERM:
		return vfserror.Annotate(vfserror.PermissionDenied, op, path)
	case unix.ENOSPC:
		return vfserror.Annotate(vfserror.OutOfMemory, op, path)
	case unix.EROFS:
		return vfserror.Annotate(vfserror.ReadOnlyFilesystem, op, path)
	case unix.ENAMETOOLONG:
		return vfserror.Annotate(vfserror.NameTooLong, op, path)
	default:
		return vfserror.Annotate(vfserror.InvalidInput, op, path)
	}
}
