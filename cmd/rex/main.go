// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command rex bundles a dynamically-linked Linux executable with its
// shared-library closure and dynamic loader into one self-extracting
// file. The same binary is also the runtime stub: when its own image
// carries a bundle footer it boots the payload instead of building.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.chromium.org/luci/common/logging/gologger"
	"golang.org/x/sys/unix"

	"github.com/LinuxProativo/Rex/rex"
	"github.com/LinuxProativo/Rex/rex/rexdata"
	"github.com/LinuxProativo/Rex/rex/rldd"
)

// Exit codes of builder mode.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitUnresolved = 3
)

const usageText = `rex - self-contained executable bundler

Usage: rex <options>

Options:
  -t <file>  Path to the main target binary to bundle (required)
  -L <num>   Compression level (1-22, default %d)
  -l <file>  Additional library to include (repeatable)
  -b <file>  Additional binary to include, closure resolved (repeatable)
  -f <path>  Extra file or folder to include verbatim (repeatable)

Dependencies are resolved from the target's RUNPATH/RPATH and the
system linker directories; LD_LIBRARY_PATH is ignored so that builds
do not depend on the builder's shell environment.
`

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ", ") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	os.Exit(rexMain())
}

func rexMain() int {
	if rex.HandleInternalArgs(os.Args[1:]) {
		return exitOK
	}

	ctx := gologger.StdConfig.Use(context.Background())

	switch _, err := rex.SelfFooter(); {
	case err == nil:
		return runBundle(ctx)
	case errors.Is(err, rexdata.ErrNotABundle):
		return runBuilder(ctx)
	default:
		fmt.Fprintf(os.Stderr, "rex: %s\n", err)
		return exitFailure
	}
}

// runBundle is stub mode: everything after argv[0] belongs to the
// bundled target.
func runBundle(ctx context.Context) int {
	code, err := rex.Run(ctx, os.Args[1:])
	if err != nil {
		var sigErr *rex.ChildSignalledError
		if errors.As(err, &sigErr) {
			// Cleanup already ran inside Run; die the way the target
			// died so callers observe the same termination.
			if s, ok := sigErr.Signo.(syscall.Signal); ok {
				signal.Reset(sigErr.Signo)
				unix.Kill(unix.Getpid(), s)
			}
			return code
		}
		fmt.Fprintf(os.Stderr, "rex: %s\n", err)
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

func runBuilder(ctx context.Context) int {
	var (
		target string
		level  int
		libs   multiFlag
		bins   multiFlag
		files  multiFlag
	)

	fs := flag.NewFlagSet("rex", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usageText, rexdata.DefaultLevel)
	}
	fs.StringVar(&target, "t", "", "target binary")
	fs.IntVar(&level, "L", rexdata.DefaultLevel, "compression level")
	fs.Var(&libs, "l", "extra library")
	fs.Var(&bins, "b", "extra binary")
	fs.Var(&files, "f", "extra file or folder")

	if len(os.Args) < 2 {
		fs.Usage()
		return exitUsage
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "rex: unexpected argument %q\n", fs.Arg(0))
		fs.Usage()
		return exitUsage
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "rex: -t <file> is required")
		fs.Usage()
		return exitUsage
	}
	if err := rexdata.ValidLevel(level); err != nil {
		fmt.Fprintf(os.Stderr, "rex: %s\n", err)
		return exitUsage
	}

	out, err := rex.Build(ctx, target,
		rex.WithLevel(level),
		rex.WithExtraLibs(libs),
		rex.WithExtraBins(bins),
		rex.WithExtraFiles(files),
	)
	if err != nil {
		var unresolved *rldd.UnresolvedDependencyError
		if errors.As(err, &unresolved) {
			fmt.Fprintf(os.Stderr, "rex: %s\n", unresolved)
			return exitUnresolved
		}
		fmt.Fprintf(os.Stderr, "rex: %s\n", err)
		return exitFailure
	}

	fmt.Printf("created %s\n", out)
	return exitOK
}
