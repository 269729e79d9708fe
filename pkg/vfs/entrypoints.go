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
	"github.com/sirupsen/logrus"

	"github.com/monkeyfs/vfs/pkg/qstr"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// Open implements spec §4.8's open(path, flags, mode): walk to a positive
// dentry (or create one on O_CREAT), construct a File pinned to the
// resolved (dentry, mount), allocate an fd slot, and install it.
func (vfs *VirtualFilesystem) Open(ctx *Context, path string, flags OpenFlags, mode uint32) (fd int, err error) {
	defer ctx.Release(vfs.DC)

	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionOpen
	ctx.ActionFlags = OpenFlagsToLookupFlags(flags)
	ctx.UserFlags = flags
	ctx.UserMode = mode
	ctx.Mode = mode

	if err := vfs.Walk(ctx); err != nil {
		return -1, err
	}

	d := ctx.CurrentDentry
	if d.IsNegative() {
		return -1, vfserror.New(vfserror.NoSuchEntry)
	}
	inode := d.Inode()
	if err := CheckPermission(inode, openPermMask(flags), ctx.UID, ctx.GID); err != nil {
		return -1, err
	}

	ctx.CurrentMount.IncRef()
	d.IncRef() // the File's own reference, independent of ctx's release list
	file := NewFile(d, ctx.CurrentMount, inode, flags)
	inode.Superblock().PinForOpenFile()

	fd = vfs.FDs.Allocate(0)
	if err := vfs.FDs.Install(fd, file); err != nil {
		vfs.FDs.Close(fd)
		return -1, err
	}
	logrus.WithFields(logrus.Fields{"path": path, "fd": fd}).Debug("vfs: opened")
	return fd, nil
}

// Mkdir, Unlink, Rmdir, Symlink, Readlink, Rename, and Link round out the
// top-level action enumeration of spec §6 beyond the entry points called
// out by name in §4.8: each walks to the named object with the matching
// verb and lets the dentry/inode layers do the rest.

// Mkdir walks to the (negative) target and invokes the MKDIR creation
// handler via the inode layer (spec §4.7 step 6).
func (vfs *VirtualFilesystem) Mkdir(ctx *Context, path string, mode uint32) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionMkdir
	ctx.ActionFlags = LookupCreate | LookupExcl | LookupDirectory
	ctx.Mode = mode
	return vfs.Walk(ctx)
}

// Symlink walks to the (negative) target and invokes the SYMLINK creation
// handler, carrying the link target text in ctx.Buf.
func (vfs *VirtualFilesystem) Symlink(ctx *Context, path, target string) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionSymlink
	ctx.ActionFlags = LookupCreate | LookupExcl
	ctx.Buf = []byte(target)
	return vfs.Walk(ctx)
}

// Readlink walks to path without following its final symlink and returns
// the link's target text.
func (vfs *VirtualFilesystem) Readlink(ctx *Context, path string) (string, error) {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionReadlink
	ctx.ActionFlags = LookupRequireSymlink
	if err := vfs.Walk(ctx); err != nil {
		return "", err
	}
	return vfs.readlink(ctx.CurrentDentry)
}

// Unlink walks to a positive non-directory dentry and drops a link from
// its inode (spec §4.4's drop, invoked once the back-end has removed the
// name from its own directory structure).
func (vfs *VirtualFilesystem) Unlink(ctx *Context, path string) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionUnlink
	ctx.ActionFlags = LookupFollow
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	d := ctx.CurrentDentry
	if d.IsNegative() {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	inode := d.Inode()
	backend := inode.Superblock().Backend()
	if err := backend.Handle(ctx); err != nil {
		return err
	}
	inode.DecLink()
	inode.Superblock().Inodes.Drop(inode, func(i *Inode) error {
		ectx := &Context{Action: ActionEvictInode, CurrentDentry: d}
		return backend.Handle(ectx)
	})
	vfs.DC.Prune(d)
	return nil
}

// Rmdir is Unlink's directory counterpart: it additionally requires the
// target be an empty directory, a check left to the back-end's RMDIR
// handler (which fails with Busy for a non-empty directory before the
// inode is ever touched here).
func (vfs *VirtualFilesystem) Rmdir(ctx *Context, path string) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionRmdir
	ctx.ActionFlags = LookupDirectory
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	d := ctx.CurrentDentry
	if d.IsNegative() {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	inode := d.Inode()
	backend := inode.Superblock().Backend()
	if err := backend.Handle(ctx); err != nil {
		return err
	}
	inode.DecLink()
	inode.Superblock().Inodes.Drop(inode, nil)
	vfs.DC.Prune(d)
	return nil
}

// Link creates a new hard link named newPath pointing at the inode named
// by oldPath (spec §6's LINK verb): both paths are walked, the existing
// inode's link count is incremented, and the new dentry is instantiated
// with it.
func (vfs *VirtualFilesystem) Link(ctx *Context, oldPath, newPath string) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = oldPath
	ctx.Action = ActionLink
	ctx.ActionFlags = LookupFollow
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	srcInode := ctx.CurrentDentry.Inode()
	if srcInode == nil {
		return vfserror.New(vfserror.NoSuchEntry)
	}

	vfs.seedRoot(ctx)
	ctx.CurrentMount, ctx.CurrentDentry = vfs.ProcessRoot()
	ctx.RemainingPath = newPath
	ctx.ActionFlags = LookupCreate | LookupExcl
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	target := ctx.CurrentDentry
	if !target.IsNegative() {
		return vfserror.New(vfserror.AlreadyExists)
	}
	srcInode.IncLink()
	srcInode.IncRef()
	vfs.DC.Instantiate(target, srcInode)
	return nil
}

// Rename implements spec §4.3's rename algorithm end to end: walk both
// paths, then hand off to DentryCache.Rename for the locking and
// hash-table choreography.
func (vfs *VirtualFilesystem) Rename(ctx *Context, oldPath, newPath string) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = oldPath
	ctx.Action = ActionRename
	ctx.ActionFlags = LookupFollow
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	src := ctx.CurrentDentry
	if src.IsNegative() {
		return vfserror.New(vfserror.NoSuchEntry)
	}

	ctx.CurrentMount, ctx.CurrentDentry = vfs.ProcessRoot()
	ctx.RemainingPath = parentOf(newPath)
	ctx.ActionFlags = LookupFollow | LookupDirectory
	if parentOf(newPath) != "" {
		if err := vfs.Walk(ctx); err != nil {
			return err
		}
	} else {
		ctx.CurrentMount, ctx.CurrentDentry = vfs.ProcessRoot()
	}
	newParent := ctx.CurrentDentry
	newName := baseOf(newPath)

	return vfs.DC.Rename(src, newParent, qstr.New(newName))
}

func parentOf(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func baseOf(path string) string {
	idx := lastSlash(path)
	return path[idx+1:]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

// seedRoot installs the process root as ctx's starting point if the caller
// hasn't already pointed ctx at some other (mount, dentry) — e.g. a
// relative lookup rooted at a process's current working directory.
func (vfs *VirtualFilesystem) seedRoot(ctx *Context) {
	if ctx.CurrentMount == nil || ctx.CurrentDentry == nil {
		ctx.CurrentMount, ctx.CurrentDentry = vfs.ProcessRoot()
	}
}

func openPermMask(flags OpenFlags) PermMask {
	if flags.Has(OWrOnly) || flags.Has(ORdWr) {
		return PermWrite
	}
	return PermRead
}

// Close implements spec §4.8's close(fd): fetch, unhook from the table,
// unref the handle.
func (vfs *VirtualFilesystem) Close(fd int) error {
	h, err := vfs.FDs.Close(fd)
	if err != nil {
		return err
	}
	f, ok := h.(*File)
	if !ok {
		return vfserror.New(vfserror.BadFileDescriptor)
	}
	if f.DecRef() == 0 {
		f.Inode().Superblock().UnpinForOpenFile()
		f.Mount().DecRef()
		vfs.DC.Unref(f.Dentry())
	}
	return nil
}

// Read implements spec §4.8's read(fd, buf, n): fetch the handle and invoke
// the inode dispatcher with READ; the back-end updates the file's position
// via Advance and may dirty the inode.
func (vfs *VirtualFilesystem) Read(fd int, buf []byte) (int, error) {
	f, err := vfs.fileFor(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()

	ctx := &Context{Action: ActionInodeRead, CurrentDentry: f.Dentry(), CurrentMount: f.Mount(), File: f, Buf: buf}
	if err := vfs.Dispatch.Dispatch(LayerInode, ctx); err != nil {
		return 0, err
	}
	n, _ := ctx.Result.(int)
	return n, nil
}

// Write implements spec §4.8's write(fd, buf, n).
func (vfs *VirtualFilesystem) Write(fd int, buf []byte) (int, error) {
	f, err := vfs.fileFor(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()

	ctx := &Context{Action: ActionInodeWrite, CurrentDentry: f.Dentry(), CurrentMount: f.Mount(), File: f, Buf: buf}
	if err := vfs.Dispatch.Dispatch(LayerInode, ctx); err != nil {
		return 0, err
	}
	n, _ := ctx.Result.(int)
	return n, nil
}

// Lseek implements spec §4.8's lseek(fd, off, whence).
func (vfs *VirtualFilesystem) Lseek(fd int, offset int64, whence int) (int64, error) {
	f, err := vfs.fileFor(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()
	return f.Seek(&Context{}, vfs.Dispatch, offset, whence)
}

func (vfs *VirtualFilesystem) fileFor(fd int) (*File, error) {
	h, err := vfs.FDs.Get(fd)
	if err != nil {
		return nil, err
	}
	f, ok := h.(*File)
	if !ok {
		return nil, vfserror.New(vfserror.BadFileDescriptor)
	}
	return f, nil
}

// Mount implements spec §4.8's mount(src, target, fstype, flags, data):
// walk target to a directory dentry, look up fstype, invoke MOUNT (or
// MOUNT_BIND if MountBind is set), and attach the resulting mount.
func (vfs *VirtualFilesystem) Mount(ctx *Context, src, target, fstypeName, data string, flags MountFlags) error {
	defer ctx.Release(vfs.DC)

	vfs.seedRoot(ctx)
	ctx.RemainingPath = target
	ctx.Action = ActionMount
	ctx.ActionFlags = LookupFollow | LookupDirectory
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	targetDentry, targetMount := ctx.CurrentDentry, ctx.CurrentMount
	if targetDentry.IsMounted() {
		return vfserror.New(vfserror.Busy)
	}

	var root *Dentry
	var sb *Superblock

	if flags.Has(MountBind) {
		bctx := &Context{}
		vfs.seedRoot(bctx)
		bctx.RemainingPath = src
		bctx.Action = ActionMountBind
		bctx.ActionFlags = LookupFollow | LookupDirectory
		if err := vfs.Walk(bctx); err != nil {
			return err
		}
		defer bctx.Release(vfs.DC)
		if bctx.CurrentDentry.IsNegative() {
			return vfserror.New(vfserror.NoSuchEntry)
		}
		root = bctx.CurrentDentry
		sb = root.Superblock()
		mctx := &Context{Action: ActionMountBind, CurrentDentry: targetDentry, CurrentMount: targetMount, FSType: sb.FilesystemType()}
		if err := sb.Backend().Handle(mctx); err != nil {
			return err
		}
	} else {
		fstype, err := vfs.FSTypes.Lookup(fstypeName)
		if err != nil {
			return err
		}
		sb = newSuperblock(fstype, nil)
		b, err := fstype.NewInstance(sb, data)
		if err != nil {
			return err
		}
		sb.impl = b

		cctx := &Context{Action: ActionCreateSuperblock}
		if err := b.Handle(cctx); err != nil {
			return err
		}
		if sb.Root() == nil {
			return vfserror.New(vfserror.InvalidInput)
		}

		mctx := &Context{Action: ActionMount, CurrentDentry: targetDentry, CurrentMount: targetMount, FSType: fstype}
		if err := b.Handle(mctx); err != nil {
			return err
		}
		root = sb.Root()
	}

	mnt := &Mount{sb: sb, root: root, flags: flags}
	mnt.refcount.IncRef()
	if err := vfs.Mounts.Attach(mnt, targetMount, targetDentry); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"src": src, "target": target, "fstype": fstypeName}).Info("vfs: mounted")
	return nil
}

// flags2fs is a placeholder conversion: mount-instance flags and
// filesystem-type static flags are distinct namespaces (spec §6), and no
// back-end in this tree derives one from the other.
func flags2fs(f MountFlags) FilesystemFlags {
	return 0
}

// Umount implements spec §4.8's umount(target, flags): walk to a
// mountpoint, verify privilege, invoke UMOUNT_FS, and detach.
func (vfs *VirtualFilesystem) Umount(ctx *Context, target string, force bool) error {
	defer ctx.Release(vfs.DC)

	vfs.seedRoot(ctx)
	ctx.RemainingPath = target
	ctx.Action = ActionUmount
	ctx.ActionFlags = LookupFollow | LookupDirectory
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	if ctx.UID != 0 {
		return vfserror.New(vfserror.PermissionDenied)
	}

	mnt, ok := vfs.Mounts.Lookup(ctx.CurrentMount, ctx.CurrentDentry)
	if !ok {
		// target itself may already be the mount root.
		mnt = ctx.CurrentMount
	}
	// The walk above pinned mnt once for every time it crossed into it;
	// those pins are released with ctx and do not make mnt busy.
	busyAbove := int32(1)
	for _, m := range ctx.heldMounts {
		if m == mnt {
			busyAbove++
		}
	}
	if !force && mnt.refcount.Load() > busyAbove {
		return vfserror.New(vfserror.Busy)
	}

	uctx := &Context{Action: ActionUmountFS, CurrentMount: mnt, CurrentDentry: mnt.Root()}
	if err := mnt.sb.Backend().Handle(uctx); err != nil && !force {
		return err
	}
	vfs.Mounts.Detach(mnt, vfs.DC)
	logrus.WithField("target", target).Info("vfs: unmounted")
	return nil
}

// xattrOp runs one of the xattr-family entry points against fd, translating
// the specific verb into an inode-layer dispatch (spec §4.8's "xattr
// family").
func (vfs *VirtualFilesystem) xattrOp(fd int, action Action, name string, value []byte) (*Context, error) {
	f, err := vfs.fileFor(fd)
	if err != nil {
		return nil, err
	}
	defer f.DecRef()
	ctx := &Context{Action: action, CurrentDentry: f.Dentry(), CurrentMount: f.Mount(), XattrName: name, Buf: value}
	if err := vfs.Dispatch.Dispatch(LayerInode, ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// GetXattr, SetXattr, ListXattr, RemoveXattr implement spec §4.8's xattr
// family.
func (vfs *VirtualFilesystem) GetXattr(fd int, name string) ([]byte, error) {
	ctx, err := vfs.xattrOp(fd, ActionInodeGetXattr, name, nil)
	if err != nil {
		return nil, err
	}
	v, _ := ctx.Result.([]byte)
	return v, nil
}

func (vfs *VirtualFilesystem) SetXattr(fd int, name string, value []byte) error {
	_, err := vfs.xattrOp(fd, ActionInodeSetXattr, name, value)
	return err
}

func (vfs *VirtualFilesystem) ListXattr(fd int) ([]string, error) {
	ctx, err := vfs.xattrOp(fd, ActionInodeListXattr, "", nil)
	if err != nil {
		return nil, err
	}
	names, _ := ctx.Result.([]string)
	return names, nil
}

func (vfs *VirtualFilesystem) RemoveXattr(fd int, name string) error {
	_, err := vfs.xattrOp(fd, ActionInodeRemoveXattr, name, nil)
	return err
}

// GetAttr walks to path and returns its resolved inode itself, not a copy.
func (vfs *VirtualFilesystem) GetAttr(ctx *Context, path string) (*Inode, error) {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionGetAttr
	ctx.ActionFlags = LookupFollow
	if err := vfs.Walk(ctx); err != nil {
		return nil, err
	}
	if ctx.CurrentDentry.IsNegative() {
		return nil, vfserror.New(vfserror.NoSuchEntry)
	}
	return ctx.CurrentDentry.Inode(), nil
}

// SetAttr walks to path and applies a SETATTR-style metadata update (spec
// §4.4's SetMetadata, invoked with the caller's identity for the
// permission check it performs internally).
func (vfs *VirtualFilesystem) SetAttr(ctx *Context, path string, mode, uid, gid *uint32) error {
	defer ctx.Release(vfs.DC)
	vfs.seedRoot(ctx)
	ctx.RemainingPath = path
	ctx.Action = ActionSetAttr
	ctx.ActionFlags = LookupFollow
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	if ctx.CurrentDentry.IsNegative() {
		return vfserror.New(vfserror.NoSuchEntry)
	}
	return ctx.CurrentDentry.Inode().SetMetadata(ctx.UID, ctx.GID, mode, uid, gid)
}

// PivotRoot implements spec §4.8's pivot_root(new_root, put_old): walks
// both paths, verifies the caller is privileged, and swaps the process
// root. A full re-bind of the old root at put_old is left to the embedder
// (spec §4.8: "full implementation re-binds the old root at put_old").
func (vfs *VirtualFilesystem) PivotRoot(ctx *Context, newRoot, putOld string) error {
	if ctx.UID != 0 {
		return vfserror.New(vfserror.PermissionDenied)
	}
	defer ctx.Release(vfs.DC)

	rm, rd := vfs.ProcessRoot()

	ctx.CurrentMount, ctx.CurrentDentry = rm, rd
	ctx.RemainingPath = newRoot
	ctx.Action = ActionMount
	ctx.ActionFlags = LookupFollow | LookupDirectory
	if err := vfs.Walk(ctx); err != nil {
		return err
	}
	newMount, newDentry := ctx.CurrentMount, ctx.CurrentDentry

	ctx.CurrentMount, ctx.CurrentDentry = rm, rd
	ctx.RemainingPath = putOld
	if err := vfs.Walk(ctx); err != nil {
		return err
	}

	newMount.IncRef()
	newDentry.IncRef()
	vfs.SetProcessRoot(newMount, newDentry)
	logrus.WithFields(logrus.Fields{"new_root": newRoot, "put_old": putOld}).Info("vfs: pivot_root")
	return nil
}
