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

import "github.com/monkeyfs/vfs/pkg/qstr"

// Action is the verb of an operation context (spec §6's action
// enumeration), grouped by layer. Values are stable within a group but
// otherwise opaque, matching original_source's monkey_action enum
// (kernel/vfs/fcontext.h) — the Go port replaces its C integer constants
// with a named type but keeps the same grouping.
type Action int

// Top-level actions.
const (
	ActionNone Action = iota
	ActionCreate
	ActionOpen
	ActionClose
	ActionMkdir
	ActionMknod
	ActionRmdir
	ActionUnlink
	ActionSymlink
	ActionRename
	ActionLink
	ActionReadlink
	ActionRead
	ActionWrite
	ActionUmount
)

// xattr actions.
const (
	ActionGetXattr Action = iota + 100
	ActionSetXattr
	ActionListXattr
	ActionRemoveXattr
	ActionGetACL
	ActionSetACL
)

// Attribute / lookup actions.
const (
	ActionGetAttr Action = iota + 200
	ActionSetAttr
	ActionFiemap
	ActionLookup
	ActionPathLookup
)

// Filesystem-level actions.
const (
	ActionInitFS Action = iota + 300
	ActionExitFS
	ActionMount
	ActionMountBind
	ActionUmountFS
	ActionCreateSuperblock
)

// FD actions.
const (
	ActionFDOpen Action = iota + 400
	ActionFDClose
)

// Inode-layer actions.
const (
	ActionInodeRead Action = iota + 500
	ActionInodeWrite
	ActionInodeLseek
	ActionInodeSetXattr
	ActionInodeGetXattr
	ActionInodeListXattr
	ActionInodeRemoveXattr
)

// Superblock-layer actions.
const (
	ActionAllocInode Action = iota + 600
	ActionDestroyInode
	ActionWriteInode
	ActionEvictInode
	ActionSyncFS
	ActionStatFS
	ActionPutSuper
)

// Context is the per-request operation packet of spec §4.1 (component
// C7): a mutable bundle carried by one goroutine through one request. It
// is held on the caller's stack, not heap-shared across goroutines.
type Context struct {
	// Subject.
	RemainingPath string
	CurrentDentry *Dentry
	CurrentMount  *Mount
	File          *File // already-resolved file handle, if any

	// Name-slot: the current component being resolved.
	Component qstr.QStr

	// Verb.
	Action      Action
	ActionFlags LookupFlags

	// Object.
	Buf    []byte // user buffer for read/write/xattr value
	Mode   uint32 // for create/mknod
	DevID  uint64 // for mknod
	FSType *FilesystemType // for mount
	XattrName string

	// User-supplied; must not be mutated once set by the public entry
	// point that created this context.
	UserFlags OpenFlags
	UserMode  uint32

	// Result slot: a type-erased output, interpreted per Action (spec
	// §6's verb table), mirroring a syscall's return register but more
	// general.
	Result interface{}

	// Identity.
	Task interface{}
	UID  uint32
	GID  uint32

	heldDentries []*Dentry
	heldMounts   []*Mount
	released     bool
}

// WithAction temporarily overrides (Action, ActionFlags) while invoking fn,
// restoring the prior values when fn returns — regardless of whether fn
// succeeded (spec §4.1's "scoped action switch", replacing
// original_source's MONKEY_WITH_ACTION macro per §9's redesign note).
//
// Per §9's resolution of the flagged ambiguity: the restored value is
// never visible to fn itself — fn always observes the overridden
// (action, flags) for its entire execution; restoration happens strictly
// on return.
func (ctx *Context) WithAction(action Action, flags LookupFlags, fn func(*Context) error) error {
	savedAction, savedFlags := ctx.Action, ctx.ActionFlags
	ctx.Action, ctx.ActionFlags = action, flags
	err := fn(ctx)
	ctx.Action, ctx.ActionFlags = savedAction, savedFlags
	return err
}

// holdDentry records that ctx now owns a strong reference to d, acquired
// during this request, that must be released by Release unless later
// adopted by the caller.
func (ctx *Context) holdDentry(d *Dentry) { ctx.heldDentries = append(ctx.heldDentries, d) }

// holdMount is holdDentry's counterpart for Mount references.
func (ctx *Context) holdMount(m *Mount) { ctx.heldMounts = append(ctx.heldMounts, m) }

// adoptDentry removes d from ctx's release list: the caller is taking
// ownership of the reference (e.g. installing it in a File handle), so
// Release must no longer drop it.
func (ctx *Context) adoptDentry(d *Dentry) {
	for i, h := range ctx.heldDentries {
		if h == d {
			ctx.heldDentries = append(ctx.heldDentries[:i], ctx.heldDentries[i+1:]...)
			return
		}
	}
}

// adoptMount is adoptDentry's counterpart for Mount references.
func (ctx *Context) adoptMount(m *Mount) {
	for i, h := range ctx.heldMounts {
		if h == m {
			ctx.heldMounts = append(ctx.heldMounts[:i], ctx.heldMounts[i+1:]...)
			return
		}
	}
}

// Release drops every reference ctx still holds that nobody adopted. It
// is idempotent (a second call is a no-op), matching original_source's
// fcontext_cleanup guard against double-free (kernel/vfs/fcontext.c).
// Per §4.1's contract, a context in a "caller-cleanable" state after a
// failed operation has non-empty strong references that must be released
// exactly this way.
func (ctx *Context) Release(dc *DentryCache) {
	if ctx.released {
		return
	}
	ctx.released = true
	for _, d := range ctx.heldDentries {
		dc.Unref(d)
	}
	ctx.heldDentries = nil
	for _, m := range ctx.heldMounts {
		m.DecRef()
	}
	ctx.heldMounts = nil
}
