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
	"strings"

	"github.com/monkeyfs/vfs/pkg/qstr"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// maxSymlinkFollows bounds the number of symlinks a single Walk call will
// follow before giving up (spec §4.7 step 9).
const maxSymlinkFollows = 8

// Walk resolves ctx.RemainingPath component by component starting from
// ctx.CurrentMount/ctx.CurrentDentry, implementing spec §4.7's path walker
// (component C9). A leading '/' rewinds the starting point to the process
// root; a relative path starts from whatever (mount, dentry) the caller
// already installed in ctx.
//
// On return, ctx.CurrentMount/ctx.CurrentDentry name the resolved object
// (for a creating verb whose final component did not exist, the dentry the
// back-end just created; for any other LookupCreate lookup whose final
// component does not exist, the still-negative target dentry under its
// would-be parent). Every dentry and mount Walk references along the way
// is recorded on ctx's release list and dropped by Context.Release; a
// caller that keeps one (Open, installing it in a File) takes its own
// reference first.
func (vfs *VirtualFilesystem) Walk(ctx *Context) error {
	if ctx.CurrentMount == nil || ctx.CurrentDentry == nil {
		return vfserror.New(vfserror.InvalidInput)
	}

	path := ctx.RemainingPath
	if strings.HasPrefix(path, "/") {
		rm, rd := vfs.ProcessRoot()
		if rm == nil || rd == nil {
			return vfserror.New(vfserror.InvalidInput)
		}
		ctx.CurrentMount, ctx.CurrentDentry = rm, rd
	}
	path = strings.Trim(path, "/")

	symlinksFollowed := 0

	for path != "" {
		comp, rest := splitComponent(path)
		path = rest
		last := path == ""

		switch comp {
		case ".":
			continue
		case "..":
			vfs.ascend(ctx)
			continue
		}

		ctx.Component = qstr.New(comp)
		flags := LookupFlags(0)
		if last {
			flags = ctx.ActionFlags
		} else {
			// Intermediate components are always resolved as
			// directories, regardless of the caller's final-component
			// flags (spec §4.7 step 3's last-component distinction).
			flags = LookupFollow | LookupDirectory
		}
		if err := ctx.WithAction(ActionLookup, flags, func(c *Context) error {
			return vfs.Dispatch.Dispatch(LayerDentry, c)
		}); err != nil {
			return err
		}

		d := ctx.CurrentDentry
		if d.IsNegative() {
			if last && isCreatingVerb(ctx) {
				return vfs.Dispatch.Dispatch(LayerInode, ctx)
			}
			if last && ctx.ActionFlags.Has(LookupCreate) {
				// A create-intent whose verb has no creation handler
				// (Link) finishes the job on the negative target itself.
				return nil
			}
			return vfserror.Annotate(vfserror.NoSuchEntry, "lookup", comp)
		}

		if !last && d.Inode().Type() != TypeDirectory {
			return vfserror.New(vfserror.NotDirectory)
		}

		// A resolved-positive dentry under an exclusive-create lookup
		// (Mkdir/Symlink always, Open only for O_CREAT|O_EXCL) must fail
		// here: the dentry cache parks rather than evicts a hashed
		// dentry on Unref, so a name created and later closed can still
		// resolve positive here well after the file that created it is
		// gone (spec §8's exclusive-create scenario).
		if last && ctx.ActionFlags.Has(LookupExcl) {
			return vfserror.New(vfserror.AlreadyExists)
		}

		vfs.crossMounts(ctx)
		d = ctx.CurrentDentry

		shouldFollow := !last || (ctx.ActionFlags.Has(LookupFollow) && !ctx.ActionFlags.Has(LookupRequireSymlink))
		if shouldFollow && d.Inode() != nil && d.Inode().Type() == TypeSymlink && !(last && ctx.ActionFlags.Has(LookupNoSymlinks)) {
			symlinksFollowed++
			if symlinksFollowed > maxSymlinkFollows {
				return vfserror.New(vfserror.LinkLoop)
			}
			target, err := vfs.readlink(d)
			if err != nil {
				return err
			}
			if strings.HasPrefix(target, "/") {
				rm, rd := vfs.ProcessRoot()
				ctx.CurrentMount, ctx.CurrentDentry = rm, rd
			} else {
				ctx.CurrentDentry = d.Parent()
			}
			path = strings.Trim(target, "/") + pathSep(path) + path
			continue
		}

		if last {
			if err := checkTypeConstraints(d, ctx.ActionFlags); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitComponent pulls the first slash-delimited component off path,
// collapsing any run of separators that follows it.
func splitComponent(path string) (comp, rest string) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], strings.TrimLeft(path[idx+1:], "/")
}

func pathSep(rest string) string {
	if rest == "" {
		return ""
	}
	return "/"
}

// isCreatingVerb reports whether ctx's top-level action is one the walker
// must hand to the inode layer's creation handlers when the final
// component resolves negative (spec §4.7 step 6).
func isCreatingVerb(ctx *Context) bool {
	switch ctx.Action {
	case ActionCreate, ActionMkdir, ActionMknod, ActionSymlink:
		return true
	case ActionOpen:
		return ctx.ActionFlags.Has(LookupCreate)
	default:
		return false
	}
}

// checkTypeConstraints enforces the final component's type flags (spec §6:
// at most one of {RequireRegular, RequireSymlink, Directory} is set).
func checkTypeConstraints(d *Dentry, flags LookupFlags) error {
	inode := d.Inode()
	if inode == nil {
		return nil
	}
	t := inode.Type()
	switch {
	case flags.Has(LookupDirectory) && t != TypeDirectory:
		return vfserror.New(vfserror.NotDirectory)
	case flags.Has(LookupRequireRegular) && t != TypeRegular:
		return vfserror.New(vfserror.InvalidInput)
	case flags.Has(LookupRequireSymlink) && t != TypeSymlink:
		return vfserror.New(vfserror.InvalidInput)
	}
	return nil
}

// ascend implements ".." (spec §4.7 step 2): move to the parent dentry, or,
// at a filesystem root that is itself a mountpoint, cross up into the
// covering filesystem and continue ascending from the mountpoint dentry
// itself — attached_at.parent_dentry names the mountpoint, not its parent,
// so reaching the covering filesystem takes two hops, not one.
func (vfs *VirtualFilesystem) ascend(ctx *Context) {
	d := ctx.CurrentDentry
	if parent := d.Parent(); parent != d {
		ctx.CurrentDentry = parent
		return
	}
	at := ctx.CurrentMount.AttachedAt()
	if at.ParentMount == nil {
		// Already at the global root; ".." is a no-op there.
		return
	}
	ctx.CurrentMount = at.ParentMount
	ctx.CurrentDentry = at.ParentDentry
	vfs.ascend(ctx)
}

// crossMounts repeatedly consults the mount table for a mount anchored at
// ctx's current (mount, dentry), descending into each until the dentry
// named is no longer a mountpoint (spec §4.7 step 8's fixpoint). Every
// mount it descends into is pinned for ctx's duration via holdMount, so a
// concurrent Umount cannot tear it down out from under a walk still
// standing on it. These pins are dropped by Context.Release, so a caller
// that keeps ctx.CurrentMount (Open, installing it in a File) takes its
// own reference.
func (vfs *VirtualFilesystem) crossMounts(ctx *Context) {
	for ctx.CurrentDentry.IsMounted() {
		mnt, ok := vfs.Mounts.Lookup(ctx.CurrentMount, ctx.CurrentDentry)
		if !ok {
			return
		}
		mnt.IncRef()
		ctx.holdMount(mnt)
		ctx.CurrentMount = mnt
		ctx.CurrentDentry = mnt.Root()
	}
}

// readlink invokes the owning back-end's ActionReadlink handler against d,
// returning the link target text (spec §4.6's READLINK entry).
func (vfs *VirtualFilesystem) readlink(d *Dentry) (string, error) {
	inode := d.Inode()
	if inode == nil {
		return "", vfserror.New(vfserror.NoSuchEntry)
	}
	backend := inode.Superblock().Backend()
	rctx := &Context{Action: ActionReadlink, CurrentDentry: d}
	if err := backend.Handle(rctx); err != nil {
		return "", err
	}
	target, _ := rctx.Result.(string)
	return target, nil
}
