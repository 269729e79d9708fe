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

// LookupFlags control how the path walker and dentry-layer dispatcher
// resolve a single component (spec §6). Bit values are opaque; at most one
// of {RequireRegular, RequireSymlink, Directory} may be set at a time.
type LookupFlags uint64

const (
	LookupFollow LookupFlags = 1 << iota
	LookupDirectory
	LookupAutomount
	LookupEmpty
	LookupDown
	LookupMountpoint
	LookupReval
	LookupRCU
	LookupOpen
	LookupCreate
	LookupExcl
	LookupRenameTarget
	LookupParent
	LookupNoSymlinks
	LookupNoMagicLinks
	LookupNoXDev
	LookupBeneath
	LookupInRoot
	LookupCached
	LookupRequireRegular
	LookupRequireSymlink
)

// Has reports whether all bits of want are set in f.
func (f LookupFlags) Has(want LookupFlags) bool { return f&want == want }

// typeConstraintCount returns how many of {RequireRegular, RequireSymlink,
// Directory} are set, so callers can reject a context that names more than
// one (spec §6: "At most one ... may be set").
func (f LookupFlags) typeConstraintCount() int {
	n := 0
	for _, bit := range []LookupFlags{LookupRequireRegular, LookupRequireSymlink, LookupDirectory} {
		if f.Has(bit) {
			n++
		}
	}
	return n
}

// OpenFlags are the POSIX-style flags passed to Open, ahead of translation
// into LookupFlags (spec §6's open-flags mapping table).
type OpenFlags uint32

const (
	ORdOnly OpenFlags = 0
	OWrOnly OpenFlags = 1 << 0
	ORdWr   OpenFlags = 1 << 1
	OCreat  OpenFlags = 1 << 6
	OExcl   OpenFlags = 1 << 7
	ONoFollow OpenFlags = 1 << 8
	ODirectory OpenFlags = 1 << 9
	OTrunc  OpenFlags = 1 << 10
	OAppend OpenFlags = 1 << 11
)

func (f OpenFlags) Has(want OpenFlags) bool { return f&want == want }

// OpenFlagsToLookupFlags implements spec §6's bit-exact open→lookup
// mapping, as made concrete by original_source's open_to_lookup_flags
// (kernel/vfs/fcontext.c):
//
//	O_CREAT      -> LOOKUP_CREATE
//	O_CREAT|O_EXCL -> also LOOKUP_EXCL, also LOOKUP_REVAL
//	!O_NOFOLLOW  -> LOOKUP_FOLLOW
//	O_DIRECTORY  -> LOOKUP_DIRECTORY
//	O_TRUNC      -> LOOKUP_MOUNTPOINT
//	always       -> LOOKUP_OPEN | LOOKUP_DOWN
func OpenFlagsToLookupFlags(f OpenFlags) LookupFlags {
	lf := LookupOpen | LookupDown
	if f.Has(OCreat) {
		lf |= LookupCreate
		if f.Has(OExcl) {
			lf |= LookupExcl | LookupReval
		}
	}
	if !f.Has(ONoFollow) {
		lf |= LookupFollow
	}
	if f.Has(ODirectory) {
		lf |= LookupDirectory
	}
	if f.Has(OTrunc) {
		lf |= LookupMountpoint
	}
	return lf
}

// MountFlags are the ordinary POSIX-style mount option bits plus the two
// internal bits the topology layer uses for bookkeeping (spec §6).
type MountFlags uint32

const (
	MountRdOnly MountFlags = 1 << iota
	MountNoSuid
	MountNoDev
	MountNoExec
	MountSynchronous
	MountMandLock
	MountNoAtime
	MountNoDirAtime
	MountRelatime
	// Internal.
	MountRootFS
	MountBind
)

func (f MountFlags) Has(want MountFlags) bool { return f&want == want }

// FilesystemFlags describe static capabilities of a registered
// FilesystemType (spec §6).
type FilesystemFlags uint32

const (
	FSRequiresDev FilesystemFlags = 1 << iota
	FSBinaryMountData
	FSHasSubtype
	FSUserNSMount
	FSRenameDoesMove
)

// CapabilityFlags are superblock-instance capabilities (spec §6).
type CapabilityFlags uint32

const (
	CapCaseInsensitive CapabilityFlags = 1 << iota
	CapAtomicRename
)

// PermMask is the access-check mask used by the inode registry's
// permission check routine (spec §4.4).
type PermMask uint32

const (
	PermRead PermMask = 1 << iota
	PermWrite
	PermExecute
)
