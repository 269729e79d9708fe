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

package fdtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu  sync.Mutex
	ref int32
}

func (f *fakeHandle) IncRef() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ref++
	return f.ref
}

func (f *fakeHandle) DecRef() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ref--
	return f.ref
}

func TestAllocateInstallGet(t *testing.T) {
	tbl := New()
	fd := tbl.Allocate(0)
	assert.Equal(t, 0, fd, "first allocation in an empty table takes fd 0")

	h := &fakeHandle{ref: 1}
	require.NoError(t, tbl.Install(fd, h))

	got, err := tbl.Get(fd)
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, int32(2), h.ref, "Get bumps the refcount")
}

func TestInstallWithoutReserveFails(t *testing.T) {
	tbl := New()
	err := tbl.Install(7, &fakeHandle{})
	assert.Error(t, err)
}

func TestGetUnknownFDFails(t *testing.T) {
	tbl := New()
	_, err := tbl.Get(42)
	assert.Error(t, err)
}

func TestCloseRecyclesLowestFD(t *testing.T) {
	tbl := New()
	fd0 := tbl.Allocate(0)
	fd1 := tbl.Allocate(0)
	fd2 := tbl.Allocate(0)
	require.Equal(t, []int{0, 1, 2}, []int{fd0, fd1, fd2})

	_, err := tbl.Close(fd1)
	require.NoError(t, err)

	// The next allocation must reuse fd1, the lowest free slot, rather
	// than growing past fd2.
	fd3 := tbl.Allocate(0)
	assert.Equal(t, fd1, fd3)
}

func TestCloseUnknownFDFails(t *testing.T) {
	tbl := New()
	_, err := tbl.Close(3)
	assert.Error(t, err)
}

func TestCopyBumpsRefcounts(t *testing.T) {
	src := New()
	fd := src.Allocate(0)
	h := &fakeHandle{ref: 1}
	require.NoError(t, src.Install(fd, h))

	dst := Copy(src)
	got, err := dst.Get(fd)
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, int32(3), h.ref, "Copy itself bumps once, Get bumps again")

	// The two tables are independent: closing in dst must not disturb src.
	_, err = dst.Close(fd)
	require.NoError(t, err)
	_, err = src.Get(fd)
	assert.NoError(t, err, "src's own slot is untouched by dst.Close")
}

func TestExpandRaisesNextHint(t *testing.T) {
	tbl := New()
	tbl.Expand(10)
	fd := tbl.Allocate(0)
	assert.Equal(t, 10, fd)
}

func TestAllocateConcurrentUnique(t *testing.T) {
	tbl := New()
	const n = 100
	fds := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			fds <- tbl.Allocate(0)
		}()
	}
	wg.Wait()
	close(fds)

	seen := make(map[int]bool)
	for fd := range fds {
		assert.False(t, seen[fd], "fd %d allocated twice", fd)
		seen[fd] = true
	}
	assert.Equal(t, n, len(seen))
}
