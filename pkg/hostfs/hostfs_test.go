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

package hostfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeyfs/vfs/pkg/hostfs"
	"github.com/monkeyfs/vfs/pkg/vfs"
)

func newMounted(t *testing.T) (*vfs.VirtualFilesystem, string) {
	t.Helper()
	root := t.TempDir()
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(hostfs.FSType()))
	_, err := v.MountRootFS("hostfs", root, 0)
	require.NoError(t, err)
	return v, root
}

func TestMountRejectsMissingRoot(t *testing.T) {
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(hostfs.FSType()))
	_, err := v.MountRootFS("hostfs", filepath.Join(t.TempDir(), "nope"), 0)
	assert.Error(t, err)
}

func TestSecondMountOfSameRootFailsBusy(t *testing.T) {
	root := t.TempDir()
	v1 := vfs.New(64)
	require.NoError(t, v1.FSTypes.Register(hostfs.FSType()))
	_, err := v1.MountRootFS("hostfs", root, 0)
	require.NoError(t, err)

	v2 := vfs.New(64)
	require.NoError(t, v2.FSTypes.Register(hostfs.FSType()))
	_, err = v2.MountRootFS("hostfs", root, 0)
	assert.Error(t, err, "the advisory lock on root must reject a second concurrent mount")
}

func TestCreateWriteReadThroughHostFile(t *testing.T) {
	v, root := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/file.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("on disk"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	raw, err := os.ReadFile(filepath.Join(root, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(raw))

	fd, err = v.Open(&vfs.Context{}, "/file.txt", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 32)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(buf[:n]))
}

func TestMkdirCreatesHostDirectory(t *testing.T) {
	v, root := newMounted(t)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/sub", 0755))

	fi, err := os.Stat(filepath.Join(root, "sub"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestUnlinkRemovesHostFile(t *testing.T) {
	v, root := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/doomed", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Unlink(&vfs.Context{}, "/doomed"))
	_, err = os.Stat(filepath.Join(root, "doomed"))
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinkReadlink(t *testing.T) {
	v, _ := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/target", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Symlink(&vfs.Context{}, "/link", "target"))
	got, err := v.Readlink(&vfs.Context{}, "/link")
	require.NoError(t, err)
	assert.Equal(t, "target", got)
}

func TestPreexistingHostFileIsVisibleOnLookup(t *testing.T) {
	v, root := newMounted(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "preexisting"), []byte("seed"), 0644))

	fd, err := v.Open(&vfs.Context{}, "/preexisting", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 16)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "seed", string(buf[:n]))
}
