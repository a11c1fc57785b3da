// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rex

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
	"go.chromium.org/luci/common/errors"

	"github.com/LinuxProativo/Rex/rex/rexdata"
)

// ExecFailureError means the bundled loader could not be executed.
type ExecFailureError struct {
	Path string
	Err  error
}

func (e *ExecFailureError) Error() string {
	return fmt.Sprintf("failed to execute %q: %s", e.Path, e.Err)
}

func (e *ExecFailureError) Unwrap() error { return e.Err }

// ChildSignalledError means the target died from a signal. The caller
// re-raises it on itself after cleanup so the bundle's observable exit
// matches the target's.
type ChildSignalledError struct {
	Signo os.Signal
}

func (e *ChildSignalledError) Error() string {
	return fmt.Sprintf("target terminated by signal %s", e.Signo)
}

// SelfFooter decodes the footer of the running executable. A nil
// *Footer with rexdata.ErrNotABundle means the binary is a clean stub
// and should act as the builder.
func SelfFooter() (*rexdata.Footer, error) {
	f, err := os.Open(selfExe())
	if err != nil {
		return nil, errors.Annotate(err, "opening own executable").Err()
	}
	defer f.Close()
	return rexdata.DecodeFromTail(f)
}

// Run boots the bundled payload: extract into a fresh scratch
// directory, rewrite PATH, then hand control to the bundled dynamic
// loader pointed at the extracted libs. args are the original process
// arguments after argv[0], forwarded to the target untouched.
//
// The returned int is the exit status to propagate. An error of type
// *ChildSignalledError means the target died from a signal, which the
// caller should re-raise after we have cleaned up. The scratch
// directory is removed on every path that reaches extraction.
func Run(ctx context.Context, args []string) (int, error) {
	footer, err := SelfFooter()
	if err != nil {
		return 1, err
	}

	if debugExtractEnabled && len(args) > 0 && args[0] == "--rex-extract" {
		cwd, err := os.Getwd()
		if err != nil {
			return 1, errors.Annotate(err, "getting working directory").Err()
		}
		return 0, extractPayload(footer, cwd)
	}

	scratch, err := makeScratch()
	if err != nil {
		return 1, err
	}
	cleanup := scratchCleanup(scratch)
	defer cleanup()

	if err := extractPayload(footer, scratch); err != nil {
		return 1, err
	}

	targetPath := filepath.Join(scratch, footer.TargetName)
	if st, err := os.Stat(targetPath); err != nil || !st.Mode().IsRegular() || st.Mode().Perm()&0111 == 0 {
		return 1, errors.Reason("bundle target %q is missing or not executable", footer.TargetName).Err()
	}
	libs := filepath.Join(scratch, libsDir)
	loader, err := findLoader(libs)
	if err != nil {
		return 1, err
	}

	prependPath(filepath.Join(scratch, binsDir))

	argv := append([]string{loader, "--library-path", libs, targetPath}, args...)
	return launchTarget(ctx, scratch, argv)
}

// makeScratch creates the per-run extraction directory under $TMPDIR.
// The suffix carries 128 bits of entropy, so names are never reused.
func makeScratch() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Annotate(err, "generating scratch suffix").Err()
	}
	dir := filepath.Join(env.Str("TMPDIR", "/tmp"), "rex-"+hex.EncodeToString(raw[:]))
	if err := os.Mkdir(dir, 0700); err != nil {
		return "", errors.Annotate(err, "making scratch dir").Err()
	}
	return dir, nil
}

// scratchCleanup returns an idempotent remover for the scratch dir.
func scratchCleanup(dir string) func() {
	done := false
	return func() {
		if !done {
			done = true
			os.RemoveAll(dir)
		}
	}
}

// extractPayload streams the compressed payload slice out of the
// running image into dest, verifying the footer checksum along the
// way. A digest mismatch surfaces only after the stream is fully
// consumed, before anything gets executed.
func extractPayload(footer *rexdata.Footer, dest string) error {
	f, err := os.Open(selfExe())
	if err != nil {
		return errors.Annotate(err, "opening own executable").Err()
	}
	defer f.Close()

	section := io.NewSectionReader(f, int64(footer.PayloadOffset), int64(footer.PayloadSize))
	verify := rexdata.VerifyReader(section, footer.Checksum)
	zr, err := rexdata.CompressionZstd.Reader(verify)
	if err != nil {
		return errors.Annotate(err, "opening decompressor").Err()
	}
	if err := rexdata.UnpackArchive(zr, dest); err != nil {
		zr.Close()
		return errors.Annotate(err, "extracting payload").Err()
	}
	zr.Close()
	// Drain any compressed bytes the decoder didn't need so the digest
	// covers the whole payload slice.
	if _, err := io.Copy(io.Discard, verify); err != nil {
		return errors.Annotate(err, "draining payload").Err()
	}
	return verify.Close()
}

// findLoader locates the bundled dynamic loader inside libs/ by the
// only names it ever ships under.
func findLoader(libs string) (string, error) {
	ents, err := os.ReadDir(libs)
	if err != nil {
		return "", errors.Annotate(err, "reading %q", libs).Err()
	}
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, "ld-linux") || strings.HasPrefix(name, "ld-musl") {
			return filepath.Join(libs, name), nil
		}
	}
	return "", errors.Reason("no dynamic loader in bundle (looked for ld-linux*/ld-musl* in libs)").Err()
}

// prependPath puts dir in front of PATH if dir exists, creating PATH
// when the host left it unset. Nothing else in the environment moves.
func prependPath(dir string) {
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if cur, ok := os.LookupEnv("PATH"); ok && cur != "" {
		os.Setenv("PATH", dir+string(os.PathListSeparator)+cur)
	} else {
		os.Setenv("PATH", dir)
	}
}
