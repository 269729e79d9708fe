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

package ramfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeyfs/vfs/pkg/ramfs"
	"github.com/monkeyfs/vfs/pkg/vfs"
	"github.com/monkeyfs/vfs/pkg/vfserror"
)

func newMounted(t *testing.T) *vfs.VirtualFilesystem {
	t.Helper()
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(ramfs.FSType()))
	_, err := v.MountRootFS("ramfs", "", 0)
	require.NoError(t, err)
	return v
}

func TestMkdirAndGetAttr(t *testing.T) {
	v := newMounted(t)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/dir", 0755))

	inode, err := v.GetAttr(&vfs.Context{}, "/dir")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDirectory, inode.Type())
}

func TestCreateWriteReadFile(t *testing.T) {
	v := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/hello.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)

	n, err := v.Write(fd, []byte("hello ramfs"))
	require.NoError(t, err)
	assert.Equal(t, len("hello ramfs"), n)
	require.NoError(t, v.Close(fd))

	fd, err = v.Open(&vfs.Context{}, "/hello.txt", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)

	buf := make([]byte, 64)
	n, err = v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello ramfs", string(buf[:n]))
}

func TestOpenWithoutCreateFailsOnMissingFile(t *testing.T) {
	v := newMounted(t)
	_, err := v.Open(&vfs.Context{}, "/missing.txt", vfs.ORdOnly, 0)
	assert.Error(t, err)
}

func TestSymlinkAndReadlink(t *testing.T) {
	v := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/target.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Symlink(&vfs.Context{}, "/link", "target.txt"))
	target, err := v.Readlink(&vfs.Context{}, "/link")
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)

	fd, err = v.Open(&vfs.Context{}, "/link", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 64)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]), "opening a symlink follows it to its target's content")
}

func TestUnlinkRemovesFile(t *testing.T) {
	v := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/doomed.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Unlink(&vfs.Context{}, "/doomed.txt"))
	_, err = v.GetAttr(&vfs.Context{}, "/doomed.txt")
	assert.Error(t, err)
}

func TestRmdirOnNonEmptyDirectoryFailsBusy(t *testing.T) {
	v := newMounted(t)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/parent", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/parent/child", 0755))

	err := v.Rmdir(&vfs.Context{}, "/parent")
	require.Error(t, err)
	assert.True(t, vfserror.Is(err, vfserror.Busy))

	require.NoError(t, v.Rmdir(&vfs.Context{}, "/parent/child"))
	require.NoError(t, v.Rmdir(&vfs.Context{}, "/parent"))
}

func TestMkdirExistingNameFailsAlreadyExists(t *testing.T) {
	v := newMounted(t)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/dup", 0755))
	err := v.Mkdir(&vfs.Context{}, "/dup", 0755)
	require.Error(t, err)
	assert.True(t, vfserror.Is(err, vfserror.AlreadyExists))
}

func TestXattrRoundTrip(t *testing.T) {
	v := newMounted(t)
	fd, err := v.Open(&vfs.Context{}, "/f", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	defer v.Close(fd)

	require.NoError(t, v.SetXattr(fd, "user.note", []byte("important")))
	got, err := v.GetXattr(fd, "user.note")
	require.NoError(t, err)
	assert.Equal(t, "important", string(got))

	names, err := v.ListXattr(fd)
	require.NoError(t, err)
	assert.Contains(t, names, "user.note")

	require.NoError(t, v.RemoveXattr(fd, "user.note"))
	_, err = v.GetXattr(fd, "user.note")
	assert.Error(t, err)
}

func TestRenameMovesAcrossParents(t *testing.T) {
	v := newMounted(t)
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/a", 0755))
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/b", 0755))
	fd, err := v.Open(&vfs.Context{}, "/a/f.txt", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	require.NoError(t, v.Rename(&vfs.Context{}, "/a/f.txt", "/b/f.txt"))

	_, err = v.GetAttr(&vfs.Context{}, "/a/f.txt")
	assert.Error(t, err)
	_, err = v.GetAttr(&vfs.Context{}, "/b/f.txt")
	assert.NoError(t, err)
}
