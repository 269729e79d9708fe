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

package devicefs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeyfs/vfs/pkg/devicefs"
	"github.com/monkeyfs/vfs/pkg/vfs"
)

func newMounted(t *testing.T, manifestTOML string) *vfs.VirtualFilesystem {
	t.Helper()
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(devicefs.FSType()))
	_, err := v.MountRootFS("devicefs", manifestTOML, 0)
	require.NoError(t, err)
	return v
}

func TestMountWithDefaultManifest(t *testing.T) {
	v := newMounted(t, "")
	require.NoError(t, v.Mkdir(&vfs.Context{}, "/dir", 0755))
	inode, err := v.GetAttr(&vfs.Context{}, "/dir")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDirectory, inode.Type())
}

func TestMountRejectsInvalidManifest(t *testing.T) {
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(devicefs.FSType()))
	_, err := v.MountRootFS("devicefs", "block_size = 0\nblock_count = 10\n", 0)
	assert.Error(t, err)
}

func TestMountRejectsMalformedManifest(t *testing.T) {
	v := vfs.New(64)
	require.NoError(t, v.FSTypes.Register(devicefs.FSType()))
	_, err := v.MountRootFS("devicefs", "not valid toml {{{", 0)
	assert.Error(t, err)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	v := newMounted(t, "block_size = 512\nblock_count = 64\n")
	fd, err := v.Open(&vfs.Context{}, "/f.bin", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("device payload"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	fd, err = v.Open(&vfs.Context{}, "/f.bin", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd)
	buf := make([]byte, 64)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "device payload", string(buf[:n]))
}

// TestPersistentFaultSurfacesAfterRetries sets fault_every_n=1 so every
// single device access faults; retrying must exhaust its budget and
// surface a hard BadAddress-class error rather than loop forever.
func TestPersistentFaultSurfacesAfterRetries(t *testing.T) {
	v := newMounted(t, "block_size = 512\nblock_count = 64\nfault_every_n = 1\n")
	fd, err := v.Open(&vfs.Context{}, "/f.bin", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	defer v.Close(fd)

	_, err = v.Write(fd, []byte("will never land"))
	assert.Error(t, err)
}

// TestTransientFaultRecoversViaRetry sets fault_every_n=2 so every other
// device access faults; a write landing on the faulting parity must still
// succeed once retrying's next attempt lands on a non-faulting access.
func TestTransientFaultRecoversViaRetry(t *testing.T) {
	v := newMounted(t, "block_size = 512\nblock_count = 64\nfault_every_n = 2\n")
	fd, err := v.Open(&vfs.Context{}, "/f.bin", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	defer v.Close(fd)

	// The first write's single device access is opCount 1 (odd, no
	// fault). The second write's first access is opCount 2 (faults),
	// but retrying's next attempt lands on opCount 3 and succeeds.
	_, err = v.Write(fd, []byte("a"))
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("b"))
	assert.NoError(t, err)
}

// TestSecondFileAllocatesPastFirst confirms the byte-range watermark
// allocator hands each new file a disjoint region of the simulated
// device: the first file's content must not be disturbed by the second
// file's writes.
func TestSecondFileAllocatesPastFirst(t *testing.T) {
	v := newMounted(t, "block_size = 512\nblock_count = 64\n")
	fd, err := v.Open(&vfs.Context{}, "/f.bin", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	fd2, err := v.Open(&vfs.Context{}, "/g.bin", vfs.OCreat|vfs.OWrOnly, 0644)
	require.NoError(t, err)
	defer v.Close(fd2)
	_, err = v.Write(fd2, []byte("y"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = v.Lseek(fd2, 0, 0)
	require.NoError(t, err)
	n, err := v.Read(fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf[:n]))

	fd1, err := v.Open(&vfs.Context{}, "/f.bin", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer v.Close(fd1)
	n, err = v.Read(fd1, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}
