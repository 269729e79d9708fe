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

	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// Backend is the single function every filesystem back-end implements
// (spec §4.6, component C6): handle(context) -> status. A back-end is
// expected to support at least the actions listed in spec §4.6's table;
// no-op returns are permitted for virtual filesystems.
type Backend interface {
	Handle(ctx *Context) error
}

// FilesystemType is a static descriptor for a registered back-end: a
// name, its flags/capabilities, and a constructor that produces a Backend
// bound to a fresh Superblock (spec §3, §4.6).
type FilesystemType struct {
	Name  string
	Flags FilesystemFlags

	// NewInstance constructs a Backend for a new mount of this
	// filesystem type; it is invoked by the CREATE_SUPERBLOCK handling
	// path with the superblock already allocated so the backend can
	// populate its root inode/dentry.
	NewInstance func(sb *Superblock, data string) (Backend, error)
}

// FilesystemRegistry is the global registry of filesystem types (spec
// §2 C6), listed by unique name.
type FilesystemRegistry struct {
	mu    sync.RWMutex
	types map[string]*FilesystemType
}

// NewFilesystemRegistry constructs an empty registry.
func NewFilesystemRegistry() *FilesystemRegistry {
	return &FilesystemRegistry{types: make(map[string]*FilesystemType)}
}

// Register adds fstype to the registry. It is an error to register two
// types with the same name.
func (r *FilesystemRegistry) Register(fstype *FilesystemType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[fstype.Name]; exists {
		return vfserror.Annotate(vfserror.AlreadyExists, "register_filesystem", fstype.Name)
	}
	r.types[fstype.Name] = fstype
	return nil
}

// Lookup returns the registered type named name, or NoFilesystem.
func (r *FilesystemRegistry) Lookup(name string) (*FilesystemType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fstype, ok := r.types[name]
	if !ok {
		return nil, vfserror.Annotate(vfserror.NoFilesystem, "mount", name)
	}
	return fstype, nil
}
