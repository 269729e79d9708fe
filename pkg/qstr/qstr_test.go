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

package qstr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewHashIsStable(t *testing.T) {
	a := New("foo.txt")
	b := New("foo.txt")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b, false))
}

func TestEqualRejectsOnHashBeforeBytes(t *testing.T) {
	a := New("alpha")
	b := New("beta")
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(b, false))
}

func TestEqualCaseFold(t *testing.T) {
	a := New("README")
	b := New("readme")
	assert.False(t, a.Equal(b, false))
	assert.True(t, a.Equal(b, true))
}

func TestNewFoldedHashesMatchAcrossCase(t *testing.T) {
	a := NewFolded("README", true)
	b := NewFolded("readme", true)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, "README", a.String(), "NewFolded keeps the original bytes for display")
}

func TestNewFoldedNoOpWhenCaseSensitive(t *testing.T) {
	a := NewFolded("README", false)
	b := New("README")
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestIsDotAndDotDot(t *testing.T) {
	assert.True(t, Dot.IsDot())
	assert.False(t, Dot.IsDotDot())
	assert.True(t, DotDot.IsDotDot())
	assert.False(t, New("...").IsDotDot())
}

func TestLen(t *testing.T) {
	assert.Equal(t, 3, New("abc").Len())
	assert.Equal(t, 0, New("").Len())
}
