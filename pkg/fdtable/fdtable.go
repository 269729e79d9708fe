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

// Package fdtable implements the per-process file-descriptor table façade
// of spec §4.5 (component C10): a numbered slot map from fd to file handle,
// independent from the dentry/inode/mount machinery in pkg/vfs.
package fdtable

import (
	"sync"

	"github.com/google/btree"

	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// Handle is the reference-counted object a Table slot holds. pkg/vfs.File
// satisfies it; the table is defined against the interface rather than the
// concrete type so pkg/vfs (which embeds a Table per open-file set) can
// import pkg/fdtable without a dependency cycle.
type Handle interface {
	IncRef() int32
	DecRef() int32
}

// slotState names what a numbered fd currently holds.
type slotState int

const (
	slotFree slotState = iota
	slotReserved         // allocate() has claimed it but install() hasn't run yet
	slotInstalled
)

type slot struct {
	fd    int
	state slotState
	file  Handle
	flags uint32 // e.g. close-on-exec
}

// freeSlotItem orders free fd numbers in the btree so the lowest one is
// always the leftmost item — the same "lowest available integer" search
// gVisor's own range-indexed allocators (pkg/sentry/mm) perform with a
// btree rather than a linear scan of a bitmap.
type freeSlotItem int

func (a freeSlotItem) Less(than btree.Item) bool { return a < than.(freeSlotItem) }

// Table is the per-process fd table (spec §4.5).
//
// Unless noted, all state is protected by mu. copy() takes its own lock
// (spec's "independent lock" note) since it must read another Table's
// state concurrently with mutations on its own.
type Table struct {
	mu        sync.Mutex
	slots     map[int]*slot
	free      *btree.BTree
	nextHint  int
}

// New constructs an empty fd table.
func New() *Table {
	return &Table{
		slots: make(map[int]*slot),
		free:  btree.New(32),
	}
}

// Allocate reserves the next free slot, marking it ALLOCATED with no file
// installed yet (spec §4.5's allocate(flags) -> fd).
func (t *Table) Allocate(flags uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fd int
	if item := t.free.Min(); item != nil {
		fd = int(item.(freeSlotItem))
		t.free.Delete(item)
	} else {
		fd = t.nextHint
		t.nextHint++
	}
	t.slots[fd] = &slot{fd: fd, state: slotReserved, flags: flags}
	return fd
}

// Install attaches file to a reserved slot; it is an error to install onto
// a slot that was never reserved or is already installed.
func (t *Table) Install(fd int, file Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok || s.state != slotReserved {
		return vfserror.New(vfserror.InvalidInput)
	}
	s.file = file
	s.state = slotInstalled
	return nil
}

// Close releases the handle and the slot, adjusting the free-slot index so
// a later Allocate can reuse fd (spec §4.5's close(fd)).
func (t *Table) Close(fd int) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok {
		return nil, vfserror.New(vfserror.BadFileDescriptor)
	}
	delete(t.slots, fd)
	t.free.ReplaceOrInsert(freeSlotItem(fd))
	return s.file, nil
}

// Get returns the file handle installed at fd with its reference count
// incremented (spec §4.5's get(fd) -> file).
func (t *Table) Get(fd int) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok || s.state != slotInstalled {
		return nil, vfserror.New(vfserror.BadFileDescriptor)
	}
	s.file.IncRef()
	return s.file, nil
}

// Copy clones src's slot contents into a freshly allocated Table, bumping
// every installed file's refcount (spec §4.5's copy(src), used on fork).
func Copy(src *Table) *Table {
	src.mu.Lock()
	defer src.mu.Unlock()

	dst := New()
	for fd, s := range src.slots {
		ns := &slot{fd: fd, state: s.state, file: s.file, flags: s.flags}
		if s.file != nil {
			s.file.IncRef()
		}
		dst.slots[fd] = ns
		if fd >= dst.nextHint {
			dst.nextHint = fd + 1
		}
	}
	return dst
}

// Expand grows the table's internal bookkeeping to accommodate at least
// newSize slots. The map/btree representation here needs no preallocation
// step beyond raising the next-fd hint, unlike a fixed-size array table
// (spec §4.5's expand(new_size), simplified for a map-backed slot store).
func (t *Table) Expand(newSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newSize > t.nextHint {
		t.nextHint = newSize
	}
}
