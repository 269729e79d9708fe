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

import "github.com/monkeyfs/vfs/pkg/vfserror"

// registerDentryLayer installs the dentry-layer handler table (spec §4.2's
// LayerDentry row): the single ActionLookup entry implements the
// check-then-populate half of spec §4.7's component lookup algorithm,
// leaving the pure cache probe (steps 1-4) to DentryCache.Resolve and the
// back-end round trip (step 6) to the owning Superblock's Backend.
func registerDentryLayer(vfs *VirtualFilesystem) {
	vfs.Dispatch.Register(LayerDentry, ActionLookup, func(ctx *Context) error {
		parent := ctx.CurrentDentry
		sb := parent.Superblock()

		d, created := vfs.DC.Resolve(parent, ctx.Component, sb)

		needsPopulate := created
		if !created {
			d.mu.Lock()
			neg := d.flags.has(DentryNegative)
			resolved := d.resolved
			d.mu.Unlock()
			needsPopulate = neg && (!resolved || ctx.ActionFlags.Has(LookupReval))
		}

		if needsPopulate {
			backend := sb.Backend()
			err := vfs.DC.Populate(parent, ctx.Component, func() error {
				lctx := &Context{
					Action:        ActionLookup,
					ActionFlags:   ctx.ActionFlags,
					CurrentDentry: parent,
					CurrentMount:  ctx.CurrentMount,
					Component:     ctx.Component,
					UID:           ctx.UID,
					GID:           ctx.GID,
					Task:          ctx.Task,
				}
				lerr := backend.Handle(lctx)

				d.mu.Lock()
				d.resolved = true
				d.mu.Unlock()

				if lerr != nil {
					return lerr
				}
				if inode, ok := lctx.Result.(*Inode); ok && inode != nil {
					vfs.DC.Instantiate(d, inode)
				}
				return nil
			})
			if err != nil && !vfserror.Is(err, vfserror.NoSuchEntry) {
				vfs.DC.Unref(d)
				return err
			}
		}

		ctx.CurrentDentry = d
		ctx.holdDentry(d)
		return nil
	})
}

// registerInodeLayer installs the inode-layer handler table (spec §4.2's
// LayerInode row). Every entry is a thin forward to the target inode's
// owning back-end, since the inode layer itself holds no I/O logic beyond
// routing — content access is always back-end-specific (spec §4.6).
func registerInodeLayer(vfs *VirtualFilesystem) {
	forward := func(action Action) Handler {
		return func(ctx *Context) error {
			inode := ctx.CurrentDentry.Inode()
			if inode == nil {
				return vfserror.New(vfserror.NoSuchEntry)
			}
			backend := inode.Superblock().Backend()
			ctx.Action = action
			return backend.Handle(ctx)
		}
	}
	vfs.Dispatch.Register(LayerInode, ActionInodeRead, forward(ActionInodeRead))
	vfs.Dispatch.Register(LayerInode, ActionInodeWrite, forward(ActionInodeWrite))
	vfs.Dispatch.Register(LayerInode, ActionInodeLseek, forward(ActionInodeLseek))
	vfs.Dispatch.Register(LayerInode, ActionInodeSetXattr, forward(ActionInodeSetXattr))
	vfs.Dispatch.Register(LayerInode, ActionInodeGetXattr, forward(ActionInodeGetXattr))
	vfs.Dispatch.Register(LayerInode, ActionInodeListXattr, forward(ActionInodeListXattr))
	vfs.Dispatch.Register(LayerInode, ActionInodeRemoveXattr, forward(ActionInodeRemoveXattr))

	// Creation verbs reach the inode layer with ctx.CurrentDentry still
	// negative (spec §4.7 step 6): the back-end is responsible for
	// allocating the new inode and returning it in ctx.Result, which the
	// walker then binds to the waiting dentry.
	creating := func(ctx *Context) error {
		backend := ctx.CurrentDentry.Parent().Superblock().Backend()
		if err := backend.Handle(ctx); err != nil {
			return err
		}
		if inode, ok := ctx.Result.(*Inode); ok && inode != nil {
			vfs.DC.Instantiate(ctx.CurrentDentry, inode)
		}
		return nil
	}
	vfs.Dispatch.Register(LayerInode, ActionCreate, creating)
	vfs.Dispatch.Register(LayerInode, ActionMkdir, creating)
	vfs.Dispatch.Register(LayerInode, ActionMknod, creating)
	vfs.Dispatch.Register(LayerInode, ActionSymlink, creating)
	vfs.Dispatch.Register(LayerInode, ActionOpen, creating)
}

// registerSuperblockLayer installs the superblock-layer handler table (spec
// §4.2's LayerSuperblock row): state-list bookkeeping (WriteBack, Evict)
// wrapped around the owning back-end's WRITE_INODE/EVICT_INODE handlers,
// and plain forwards to its ALLOC_INODE/STATFS/SYNC_FS/PUT_SUPER handlers
// (spec §4.4, §4.6).
func registerSuperblockLayer(vfs *VirtualFilesystem) {
	vfs.Dispatch.Register(LayerSuperblock, ActionAllocInode, func(ctx *Context) error {
		sb := ctx.CurrentMount.Superblock()
		return sb.Backend().Handle(ctx)
	})

	vfs.Dispatch.Register(LayerSuperblock, ActionWriteInode, func(ctx *Context) error {
		inode := ctx.CurrentDentry.Inode()
		if inode == nil {
			return vfserror.New(vfserror.NoSuchEntry)
		}
		backend := inode.Superblock().Backend()
		return inode.Superblock().Inodes.WriteBack(inode, true, func(i *Inode) error {
			writeCtx := &Context{Action: ActionWriteInode, CurrentDentry: ctx.CurrentDentry}
			return backend.Handle(writeCtx)
		})
	})

	vfs.Dispatch.Register(LayerSuperblock, ActionEvictInode, func(ctx *Context) error {
		inode := ctx.CurrentDentry.Inode()
		if inode == nil {
			return vfserror.New(vfserror.NoSuchEntry)
		}
		backend := inode.Superblock().Backend()
		inode.Superblock().Inodes.Evict(inode, func(i *Inode) error {
			evictCtx := &Context{Action: ActionEvictInode, CurrentDentry: ctx.CurrentDentry}
			return backend.Handle(evictCtx)
		})
		return nil
	})

	vfs.Dispatch.Register(LayerSuperblock, ActionSyncFS, func(ctx *Context) error {
		sb := ctx.CurrentMount.Superblock()
		return sb.Backend().Handle(ctx)
	})

	vfs.Dispatch.Register(LayerSuperblock, ActionStatFS, func(ctx *Context) error {
		sb := ctx.CurrentMount.Superblock()
		return sb.Backend().Handle(ctx)
	})

	vfs.Dispatch.Register(LayerSuperblock, ActionPutSuper, func(ctx *Context) error {
		sb := ctx.CurrentMount.Superblock()
		return sb.Backend().Handle(ctx)
	})
}
