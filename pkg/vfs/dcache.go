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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/monkeyfs/vfs/pkg/qstr"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// dentryKey identifies a dentry-cache slot: (parent, name), per spec §4.3.
type dentryKey struct {
	parent *Dentry
	name   string
}

// DentryCache is the single global hash table of spec §4.3 (component C2):
// a name→dentry table keyed by (parent, name), with LRU reclaim of
// refcount-zero entries and negative-entry support.
//
// The hash table itself is a plain Go map guarded by mu; this stands in
// for spec's explicit "(parent pointer, name hash, name bytes)" hash
// table — the qstr hash is still computed and carried on every component
// (pkg/qstr), but bucket placement is delegated to the Go runtime's map
// rather than reimplemented by hand.
//
// Lock ordering: mu is never held across a back-end call (spec §5 rule
// 1). Rename takes it while holding the renamed dentry's and the new
// parent's per-dentry locks, and briefly takes the old parent's lock
// inside it; no other path nests a lock with it.
type DentryCache struct {
	mu    sync.Mutex
	table map[dentryKey]*Dentry

	// lru holds dentries with refcount zero that are still HASHED,
	// ordered least-recently-used to most-recently-used. Backed by
	// hashicorp/golang-lru the way the DataDog security probe's dentry
	// resolver backs an inode/path cache with the same library
	// (other_examples/…dentry_resolver.go.go): Add on zero-refcount,
	// Remove/Get on re-reference (lift-out), RemoveOldest for shrink.
	lru *lru.Cache

	// populate dedupes concurrent back-end LOOKUP calls used to fill in
	// the same negative dentry (spec §5: "Concurrent lookups on the same
	// (parent, name) may race").
	populate singleflight.Group
}

// NewDentryCache constructs an empty dentry cache with capacity lruCap for
// the refcount-zero LRU list (0 means "use a generous default").
func NewDentryCache(lruCap int) *DentryCache {
	if lruCap <= 0 {
		lruCap = 4096
	}
	dc := &DentryCache{table: make(map[dentryKey]*Dentry)}
	c, err := lru.NewWithEvict(lruCap, func(key, value interface{}) {
		d := value.(*Dentry)
		// reference and Prune clear DentryInLRU before calling Remove, so
		// a dentry lifted back out of the LRU is left alone here; only one
		// evicted while still parked (capacity overflow, Shrink) is
		// unhashed and freed.
		d.mu.Lock()
		parked := d.flags.has(DentryInLRU)
		d.flags &^= DentryInLRU
		d.mu.Unlock()
		if parked {
			dc.Prune(d)
			dc.freeLocked(d)
		}
	})
	if err != nil {
		// lru.NewWithEvict only fails for size <= 0, which we've
		// already excluded above.
		panic(err)
	}
	dc.lru = c
	return dc
}

func foldedKey(parent *Dentry, name qstr.QStr, foldCase bool) dentryKey {
	s := name.String()
	if foldCase {
		s = strings.ToLower(s)
	}
	return dentryKey{parent: parent, name: s}
}

// Resolve implements spec §4.7's "Component lookup algorithm": probe the
// hash table for (parent, name); on a hit, lift the dentry out of the LRU
// if necessary and bump its refcount; on a miss, allocate a fresh negative
// dentry under the same lock (check-then-insert), so that at most one
// negative dentry for a given key ever exists (spec §5).
//
// Resolve never calls into a filesystem back-end; populating a returned
// negative dentry is the caller's responsibility (spec §4.7 step 6/7,
// driven by the path walker via Populate below).
func (dc *DentryCache) Resolve(parent *Dentry, name qstr.QStr, sb *Superblock) (d *Dentry, created bool) {
	key := foldedKey(parent, name, sb.CaseInsensitive())

	dc.mu.Lock()
	if existing, ok := dc.table[key]; ok {
		dc.mu.Unlock()
		dc.reference(existing)
		return existing, false
	}
	nd := newDentry(parent, name, sb)
	nd.flags |= DentryHashed
	dc.table[key] = nd
	dc.mu.Unlock()

	parent.mu.Lock()
	parent.children[name.String()] = nd
	parent.mu.Unlock()
	parent.IncRef() // nd holds a strong reference to its parent

	return nd, true
}

// reference lifts d out of the LRU (if parked there) and bumps its
// refcount, implementing the "hit" side of lookup.
func (dc *DentryCache) reference(d *Dentry) {
	d.mu.Lock()
	wasLRU := d.flags.has(DentryInLRU)
	d.flags &^= DentryInLRU
	d.flags |= DentryReferenced
	d.lastAccess = time.Now()
	d.mu.Unlock()
	if wasLRU {
		dc.lru.Remove(d)
	}
	d.IncRef()
}

// Populate calls fn to resolve a negative dentry against its owning
// back-end's LOOKUP handler, deduplicating concurrent callers racing to
// populate the same (parent, name) so the back-end sees at most one
// in-flight LOOKUP per key.
func (dc *DentryCache) Populate(parent *Dentry, name qstr.QStr, fn func() error) error {
	key := parent.path() + "/" + name.String()
	_, err, _ := dc.populate.Do(key, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Instantiate binds a negative dentry to a newly resolved inode (spec
// §4.3). If d already had an inode attached, the previous binding is
// released first (the rename-target path).
func (dc *DentryCache) Instantiate(d *Dentry, inode *Inode) {
	d.mu.Lock()
	old := d.inode
	d.inode = inode
	d.flags &^= DentryNegative
	d.mu.Unlock()

	if old != nil {
		old.removeAlias(d)
		old.registry.unrefLocked(old)
	}
	inode.addAlias(d)
	inode.IncRef()
}

// Rename implements spec §4.3's rename algorithm: lock both dentries in
// address order, unhash, move d between parents' child lists, replace the
// name, and rehash. On a hash-insert collision at the destination key, d
// is left unhashed and Busy is returned.
func (dc *DentryCache) Rename(d, newParent *Dentry, newName qstr.QStr) error {
	first, second := d, newParent
	if uintptr(ptrOf(first)) > uintptr(ptrOf(second)) {
		first, second = second, first
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	defer func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	dc.mu.Lock()
	oldKey := foldedKey(d.parent, d.name, d.sb.CaseInsensitive())
	newKey := foldedKey(newParent, newName, d.sb.CaseInsensitive())
	delete(dc.table, oldKey)
	d.flags &^= DentryHashed
	if _, exists := dc.table[newKey]; exists {
		dc.mu.Unlock()
		return vfserror.Annotate(vfserror.Busy, "rename", newName.String())
	}
	oldParent := d.parent

	// newParent.mu is already held (it is first or second above); the
	// old parent's lock is taken only when it is a different dentry.
	if oldParent != newParent {
		oldParent.mu.Lock()
	}
	delete(oldParent.children, d.name.String())
	if oldParent != newParent {
		oldParent.mu.Unlock()
	}

	d.parent = newParent
	d.name = newName

	newParent.children[newName.String()] = d

	dc.table[newKey] = d
	d.flags |= DentryHashed
	dc.mu.Unlock()

	if oldParent != newParent {
		newParent.IncRef()
		dc.unrefNoFree(oldParent)
	}
	logrus.WithFields(logrus.Fields{"from": oldKey.name, "to": newKey.name}).Debug("vfs: dentry renamed")
	return nil
}

// Prune removes d from the hash table, its parent's child list, and the
// LRU, and marks it DISCONNECTED. Prune does not free d; reclamation
// happens when its refcount reaches zero (spec §4.3).
func (dc *DentryCache) Prune(d *Dentry) {
	d.mu.Lock()
	wasLRU := d.flags.has(DentryInLRU)
	wasHashed := d.flags.has(DentryHashed)
	d.flags &^= DentryHashed | DentryInLRU
	d.flags |= DentryDisconnected
	parent := d.parent
	name := d.name
	foldCase := d.sb.CaseInsensitive()
	d.mu.Unlock()

	if wasLRU {
		dc.lru.Remove(d)
	}
	if wasHashed {
		dc.mu.Lock()
		delete(dc.table, foldedKey(parent, name, foldCase))
		dc.mu.Unlock()
	}
	if parent != d {
		parent.mu.Lock()
		delete(parent.children, name.String())
		parent.mu.Unlock()
	}
}

// Unref decrements d's reference count. On reaching zero: if d is HASHED
// it is parked on the LRU; otherwise it is freed immediately, releasing
// its inode, parent, and name (spec §4.3).
func (dc *DentryCache) Unref(d *Dentry) {
	if d.refcount.DecRef() > 0 {
		return
	}
	d.mu.Lock()
	hashed := d.flags.has(DentryHashed)
	if hashed {
		d.flags |= DentryInLRU
	}
	d.mu.Unlock()

	if hashed {
		dc.lru.Add(d, d)
		return
	}
	dc.freeLocked(d)
}

// unrefNoFree is Unref but used internally where the caller already knows
// d cannot be the last reference (e.g. releasing the now-redundant strong
// ref to an old parent right after acquiring a new one in Rename); it is
// identical to Unref but named separately to document that assumption at
// call sites.
func (dc *DentryCache) unrefNoFree(d *Dentry) { dc.Unref(d) }

// freeLocked reclaims a dentry whose refcount has reached zero and which
// is not (or no longer) on the LRU: it releases the dentry's inode
// reference and its strong reference to its parent, cascading further
// Unref calls up the tree as needed.
func (dc *DentryCache) freeLocked(d *Dentry) {
	d.mu.Lock()
	parent := d.parent
	inode := d.inode
	isRoot := parent == d
	d.mu.Unlock()

	if inode != nil {
		inode.removeAlias(d)
		inode.registry.unrefLocked(inode)
	}
	if !isRoot {
		dc.Unref(parent)
	}
}

// Shrink frees up to n entries from the LRU head (n == 0 means "all").
// Returns the number actually freed.
func (dc *DentryCache) Shrink(n int) int {
	freed := 0
	for n == 0 || freed < n {
		if dc.lru.Len() == 0 {
			break
		}
		if _, _, ok := dc.lru.RemoveOldest(); !ok {
			break
		}
		freed++
	}
	return freed
}

// wrapBackend adapts a backend error for logging/propagation without
// losing its vfserror.Kind, mirroring the DataDog dentry resolver's use of
// github.com/pkg/errors to annotate cache-miss errors while keeping them
// classifiable.
func wrapBackend(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "vfs: %s %s", op, path)
}
