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

package vfs_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeyfs/vfs/pkg/ramfs"
	"github.com/monkeyfs/vfs/pkg/vfs"
)

func newMounted(t *testing.T, lruCap int) *vfs.VirtualFilesystem {
	t.Helper()
	v := vfs.New(lruCap)
	require.NoError(t, v.FSTypes.Register(ramfs.FSType()))
	_, err := v.MountRootFS("ramfs", "", 0)
	require.NoError(t, err)
	return v
}

// TestOpenReadClose exercises spec §8's open-read-close scenario end to end
// through the public entry points.
func TestOpenReadClose(t *testing.T) {
	v := newMounted(t, 0)
	fd, err := v.Open(&vfs.Context{}, "/greeting", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("ahoy"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	fd, err = v.Open(&vfs.Context{}, "/greeting", vfs.ORdOnly, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ahoy", string(buf[:n]))
	require.NoError(t, v.Close(fd))
}

// TestRenameAcrossParents covers spec §8's cross-directory rename, checking
// that the source name is gone and the destination resolves to the same
// file content.
func TestRenameAcrossParents(t *testing.T) {
	v := newMounted(t, 0)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/from", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/to", 0755))

	fd, err := v.Open(&vfs.Context{}, "/from/note.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Rename(&vfs.Context{}, "/from/note.txt", "/to/note.txt"))

	_, err = v.GetAttr(&vfs.Context{}, "/from/note.txt")
	assert.Error(t, err)

	fd, err = v.Open(&vfs.Context{}, "/to/note.txt", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 16)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(buf[:n]))
}

// TestMountCrossingInDotDot mounts a second ramfs superblock over a
// subdirectory and checks that walking ".." from inside the mounted
// filesystem's root lands back at the mountpoint's parent in the
// underlying filesystem, not at the mounted filesystem's own (parentless)
// root (spec §8's mount-crossing-in-".." scenario).
func TestMountCrossingInDotDot(t *testing.T) {
	v := newMounted(t, 0)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/under", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/under/mnt", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/under/sibling", 0755))

	require.NoError(t, v.Mount(&vfs.Context{}, "", "/under/mnt", "ramfs", "", 0))

	// The freshly mounted filesystem's root has no "sibling" entry; its
	// root is empty. Creating a directory there must not appear in the
	// underlying /under tree.
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/under/mnt/inside", 0755))
	_, err := v.GetAttr(&vfs.Context{}, "/under/inside")
	assert.Error(t, err, "the mounted filesystem's contents are not visible in the covered directory")

	// ".." from the mount root must cross back into the covering
	// filesystem, reaching /under/sibling.
	_, err = v.GetAttr(&vfs.Context{}, "/under/mnt/../sibling")
	assert.NoError(t, err)
}

// TestBindMount covers spec §8's bind-mount scenario: binding an existing
// directory elsewhere must expose the same inode content at both paths.
func TestBindMount(t *testing.T) {
	v := newMounted(t, 0)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/src", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/dst", 0755))

	fd, err := v.Open(&vfs.Context{}, "/src/shared.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("shared content"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Mount(&vfs.Context{}, "/src", "/dst", "", "", vfs.MountBind))

	fd, err = v.Open(&vfs.Context{}, "/dst/shared.txt", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 32)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "shared content", string(buf[:n]))
}

// TestDentryLRURecycling repeatedly resolves the same directory through a
// tiny-capacity cache, parking it on the LRU and lifting it back out each
// time, then confirms the name still resolves correctly (spec §8's
// LRU-recycling scenario).
func TestDentryLRURecycling(t *testing.T) {
	v := newMounted(t, 2)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/d", 0755))

	for i := 0; i < 10; i++ {
		_, err := v.GetAttr(&vfs.Context{}, "/d")
		require.NoError(t, err)
	}

	inode, err := v.GetAttr(&vfs.Context{}, "/d")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDirectory, inode.Type())
}

// TestConcurrentLookupOfExistingName races many goroutines resolving the
// same already-created name (spec §8's concurrency scenario): every racer
// must see the file.
func TestConcurrentLookupOfExistingName(t *testing.T) {
	v := newMounted(t, 0)
	fd, err := v.Open(&vfs.Context{}, "/race.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.GetAttr(&vfs.Context{}, "/race.txt")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
