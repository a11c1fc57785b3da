// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rex

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/otiai10/copy"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/LinuxProativo/Rex/rex/rldd"
)

// Canonical names inside the bundle root.
const (
	libsDir = "libs"
	binsDir = "bins"
)

// stageSpec is everything the stager needs to lay out a bundle tree.
type stageSpec struct {
	closure    *rldd.Closure
	targetName string
	extraBins  []string
	extraFiles []string

	// resolveOptions are forwarded when helper binaries bring their own
	// closures along.
	resolveOptions []rldd.ResolveOption
}

// stageTree builds the canonical bundle layout under dest:
//
//	<dest>/<target_name>
//	<dest>/libs/<soname>      closure entries and the loader
//	<dest>/bins/<basename>    helper binaries
//	<dest>/<extra...>         -f files and directories, verbatim
//
// Every single-file copy is atomic (write to a temp sibling, fsync,
// rename), so a crash mid-staging never leaves a half-written library
// behind a final name. Directory extras are copied recursively in
// place, file by file, without that temp-and-rename step. Collisions inside libs/ keep the first write, consistent with
// the resolver's first-wins soname policy.
func stageTree(ctx context.Context, dest string, spec *stageSpec) error {
	libs := filepath.Join(dest, libsDir)
	if err := os.MkdirAll(libs, 0755); err != nil {
		return errors.Annotate(err, "making libs dir").Err()
	}

	logging.Infof(ctx, "staging target binary: %s", spec.closure.Target)
	if err := copyFileAtomic(spec.closure.Target, filepath.Join(dest, spec.targetName), 0755); err != nil {
		return errors.Annotate(err, "staging target").Err()
	}

	if err := stageLib(spec.closure.Loader, libs); err != nil {
		return errors.Annotate(err, "staging loader").Err()
	}
	logging.Infof(ctx, "staging %d shared libraries", len(spec.closure.Libs))
	for _, lib := range spec.closure.Libs {
		if err := stageLib(lib, libs); err != nil {
			return errors.Annotate(err, "staging library %q", lib.Soname).Err()
		}
	}

	if len(spec.extraBins) > 0 {
		bins := filepath.Join(dest, binsDir)
		if err := os.MkdirAll(bins, 0755); err != nil {
			return errors.Annotate(err, "making bins dir").Err()
		}
		for _, entry := range spec.extraBins {
			if err := stageBin(ctx, entry, bins, libs, spec.resolveOptions); err != nil {
				return err
			}
		}
	}

	for _, extra := range spec.extraFiles {
		if err := stageExtra(ctx, extra, dest); err != nil {
			return err
		}
	}
	return nil
}

// stageLib places one closure entry under libs/ by its soname. An
// existing file with that name wins.
func stageLib(lib rldd.Lib, libs string) error {
	if lib.Path == "" {
		return nil
	}
	dst := filepath.Join(libs, lib.Soname)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	return copyFileAtomic(lib.Path, dst, 0755)
}

// stageBin stages one -b helper, or every regular file of a helper
// directory, resolving each helper's own closure into the shared libs
// dir. Static and non-ELF helpers are staged as-is.
func stageBin(ctx context.Context, entry, bins, libs string, ropts []rldd.ResolveOption) error {
	st, err := os.Stat(entry)
	if err != nil {
		return errors.Annotate(err, "statting extra binary %q", entry).Err()
	}
	if st.IsDir() {
		ents, err := os.ReadDir(entry)
		if err != nil {
			return errors.Annotate(err, "reading extra binary dir %q", entry).Err()
		}
		for _, e := range ents {
			if !e.Type().IsRegular() {
				continue
			}
			if err := stageBin(ctx, filepath.Join(entry, e.Name()), bins, libs, ropts); err != nil {
				return err
			}
		}
		return nil
	}

	logging.Infof(ctx, "staging helper binary: %s", entry)
	if err := copyFileAtomic(entry, filepath.Join(bins, filepath.Base(entry)), 0755); err != nil {
		return errors.Annotate(err, "staging helper %q", entry).Err()
	}

	closure, err := rldd.Resolve(entry, ropts...)
	if err != nil {
		return errors.Annotate(err, "resolving helper %q", entry).Err()
	}
	if closure.Type != rldd.Dynamic {
		return nil
	}
	for _, lib := range closure.Libs {
		if err := stageLib(lib, libs); err != nil {
			return errors.Annotate(err, "staging helper library %q", lib.Soname).Err()
		}
	}
	return stageLib(closure.Loader, libs)
}

// stageExtra copies a -f path verbatim under the bundle root: files by
// basename, directories recursively under their own name. Symlinks are
// materialized so nothing dangles after extraction.
func stageExtra(ctx context.Context, extra, dest string) error {
	st, err := os.Stat(extra)
	if err != nil {
		return errors.Annotate(err, "statting extra file %q", extra).Err()
	}
	logging.Infof(ctx, "staging extra path: %s", extra)

	opts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Deep },
	}
	dst := filepath.Join(dest, filepath.Base(filepath.Clean(extra)))
	if !st.IsDir() {
		return copyFileAtomic(extra, dst, st.Mode().Perm())
	}
	if err := copy.Copy(extra, dst, opts); err != nil {
		return errors.Annotate(err, "copying extra dir %q", extra).Err()
	}
	return nil
}

// copyFileAtomic streams src to dst via a temp sibling which is
// fsync'd and renamed into place.
func copyFileAtomic(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	t, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	if err := t.Chmod(mode); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
