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

// Binary vfsctl drives the public VFS entry points from the command line,
// against a fresh in-process VirtualFilesystem rooted on ramfs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/monkeyfs/vfs/pkg/devicefs"
	"github.com/monkeyfs/vfs/pkg/hostfs"
	"github.com/monkeyfs/vfs/pkg/ramfs"
	"github.com/monkeyfs/vfs/pkg/vfs"
)

// newRootedVFS constructs a VirtualFilesystem with ramfs, hostfs, and
// devicefs registered and ramfs mounted at the process root, the minimum
// an interactive session needs before any subcommand walks a path.
func newRootedVFS() (*vfs.VirtualFilesystem, error) {
	v := vfs.New(1024)
	for _, fstype := range []*vfs.FilesystemType{ramfs.FSType(), hostfs.FSType(), devicefs.FSType()} {
		if err := v.FSTypes.Register(fstype); err != nil {
			return nil, err
		}
	}
	if _, err := v.MountRootFS("ramfs", "", 0); err != nil {
		return nil, fmt.Errorf("mounting root ramfs: %w", err)
	}
	return v, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&mountCmd{}, "")
	subcommands.Register(&lsCmd{}, "")
	subcommands.Register(&catCmd{}, "")
	subcommands.Register(&writeCmd{}, "")
	subcommands.Register(&rmCmd{}, "")
	subcommands.Register(&mvCmd{}, "")

	flag.Parse()
	v, err := newRootedVFS()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx := context.WithValue(context.Background(), vfsKey{}, v)
	os.Exit(int(subcommands.Execute(ctx)))
}

// vfsKey is the context.Context key every subcommand uses to retrieve the
// shared VirtualFilesystem instance main built.
type vfsKey struct{}

func fromContext(ctx context.Context) *vfs.VirtualFilesystem {
	return ctx.Value(vfsKey{}).(*vfs.VirtualFilesystem)
}

func newOpCtx() *vfs.Context { return &vfs.Context{} }
