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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/monkeyfs/vfs/pkg/vfs"
)

// mountCmd implements subcommands.Command for "mount".
type mountCmd struct {
	fstype string
	bind   bool
	roFlag bool
}

func (*mountCmd) Name() string     { return "mount" }
func (*mountCmd) Synopsis() string { return "mount a filesystem at a path" }
func (*mountCmd) Usage() string {
	return `mount [-type fstype] [-bind] <src> <target> - mount src at target
`
}
func (c *mountCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.fstype, "type", "ramfs", "filesystem type to mount")
	f.BoolVar(&c.bind, "bind", false, "perform a bind mount instead of a fresh one")
	f.BoolVar(&c.roFlag, "ro", false, "mount read-only")
}
func (c *mountCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	var flags vfs.MountFlags
	if c.bind {
		flags |= vfs.MountBind
	}
	if c.roFlag {
		flags |= vfs.MountRdOnly
	}
	if err := v.Mount(newOpCtx(), f.Arg(0), f.Arg(1), c.fstype, "", flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// lsCmd implements subcommands.Command for "ls".
type lsCmd struct{}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "show metadata for a path" }
func (*lsCmd) Usage() string    { return "ls <path> - print the inode metadata at path\n" }
func (*lsCmd) SetFlags(*flag.FlagSet) {}
func (*lsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	inode, err := v.GetAttr(newOpCtx(), f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("ino=%d type=%d mode=%o size=%d links=%d\n",
		inode.Ino(), inode.Type(), inode.Mode(), inode.Size(), inode.LinkCount())
	return subcommands.ExitSuccess
}

// catCmd implements subcommands.Command for "cat".
type catCmd struct{}

func (*catCmd) Name() string     { return "cat" }
func (*catCmd) Synopsis() string { return "print a file's contents" }
func (*catCmd) Usage() string    { return "cat <path> - open path and write its contents to stdout\n" }
func (*catCmd) SetFlags(*flag.FlagSet) {}
func (*catCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	fd, err := v.Open(newOpCtx(), f.Arg(0), vfs.ORdOnly, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer v.Close(fd)

	buf := make([]byte, 4096)
	for {
		n, err := v.Read(fd, buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if n == 0 || err != nil {
			break
		}
	}
	return subcommands.ExitSuccess
}

// writeCmd implements subcommands.Command for "write".
type writeCmd struct {
	create bool
}

func (*writeCmd) Name() string     { return "write" }
func (*writeCmd) Synopsis() string { return "write text to a file" }
func (*writeCmd) Usage() string {
	return "write [-create] <path> <text> - write text at offset 0 of path\n"
}
func (c *writeCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.create, "create", true, "create the file if it does not exist")
}
func (c *writeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	flags := vfs.OWrOnly
	if c.create {
		flags |= vfs.OCreat
	}
	fd, err := v.Open(newOpCtx(), f.Arg(0), flags, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer v.Close(fd)

	if _, err := v.Write(fd, []byte(f.Arg(1))); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// rmCmd implements subcommands.Command for "rm".
type rmCmd struct {
	dir bool
}

func (*rmCmd) Name() string     { return "rm" }
func (*rmCmd) Synopsis() string { return "remove a file or empty directory" }
func (*rmCmd) Usage() string    { return "rm [-dir] <path> - unlink (or rmdir) path\n" }
func (c *rmCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.dir, "dir", false, "path names a directory")
}
func (c *rmCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	var err error
	if c.dir {
		err = v.Rmdir(newOpCtx(), f.Arg(0))
	} else {
		err = v.Unlink(newOpCtx(), f.Arg(0))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// mvCmd implements subcommands.Command for "mv".
type mvCmd struct{}

func (*mvCmd) Name() string     { return "mv" }
func (*mvCmd) Synopsis() string { return "rename a path" }
func (*mvCmd) Usage() string    { return "mv <old> <new> - rename old to new\n" }
func (*mvCmd) SetFlags(*flag.FlagSet) {}
func (*mvCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v := fromContext(ctx)
	if err := v.Rename(newOpCtx(), f.Arg(0), f.Arg(1)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
