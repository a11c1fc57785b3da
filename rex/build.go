// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rex is the bundle engine: the generator that turns an ELF
// executable and its library closure into a self-extracting bundle,
// and the runtime stub that such a bundle boots through. See the
// repository root doc for the format itself.
package rex

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/xyproto/env/v2"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/iotools"
	"go.chromium.org/luci/common/logging"

	"github.com/LinuxProativo/Rex/rex/rexdata"
	"github.com/LinuxProativo/Rex/rex/rldd"
)

// OutputSuffix is appended to the target basename to form the bundle
// file name.
const OutputSuffix = ".Rex"

type buildOptionData struct {
	level      int
	extraLibs  []string
	extraBins  []string
	extraFiles []string
	outputDir  string

	resolveOptions []rldd.ResolveOption
}

// BuildOption configures a Build call.
type BuildOption func(*buildOptionData)

// WithLevel sets the zstd compression level (1..22).
func WithLevel(level int) BuildOption {
	return func(o *buildOptionData) {
		o.level = level
	}
}

// WithExtraLibs adds user libraries that shadow host sonames.
func WithExtraLibs(paths []string) BuildOption {
	return func(o *buildOptionData) {
		o.extraLibs = append(o.extraLibs, paths...)
	}
}

// WithExtraBins adds helper binaries (or directories of them); their
// own closures are resolved and merged into the bundle's libs.
func WithExtraBins(paths []string) BuildOption {
	return func(o *buildOptionData) {
		o.extraBins = append(o.extraBins, paths...)
	}
}

// WithExtraFiles adds files or directories placed verbatim at the
// bundle root.
func WithExtraFiles(paths []string) BuildOption {
	return func(o *buildOptionData) {
		o.extraFiles = append(o.extraFiles, paths...)
	}
}

// WithOutputDir redirects the output bundle away from the working
// directory.
func WithOutputDir(dir string) BuildOption {
	return func(o *buildOptionData) {
		o.outputDir = dir
	}
}

// WithResolveOptions forwards options to the dependency resolver.
func WithResolveOptions(ropts ...rldd.ResolveOption) BuildOption {
	return func(o *buildOptionData) {
		o.resolveOptions = append(o.resolveOptions, ropts...)
	}
}

// Build generates <target basename>.Rex and returns its path. The
// pipeline is strictly sequential: resolve the closure, stage the
// tree, then stream it compressed onto a copy of the stub image and
// seal it with the footer. The staging directory is destroyed on every
// exit path.
func Build(ctx context.Context, target string, options ...BuildOption) (string, error) {
	opts := buildOptionData{level: rexdata.DefaultLevel, outputDir: "."}
	for _, o := range options {
		o(&opts)
	}
	if err := rexdata.ValidLevel(opts.level); err != nil {
		return "", err
	}

	ropts := opts.resolveOptions
	if len(opts.extraLibs) > 0 {
		ropts = append(ropts, rldd.WithExtraLibs(opts.extraLibs))
	}
	closure, err := rldd.Resolve(target, ropts...)
	if err != nil {
		return "", err
	}
	if closure.Type != rldd.Dynamic {
		return "", errors.Reason("%q is not a dynamically linked ELF executable", target).Err()
	}
	if closure.Loader.Path == "" {
		return "", errors.Reason("%q has no PT_INTERP; cannot pick a loader to bundle", target).Err()
	}

	targetName := filepath.Base(filepath.Clean(target))
	staging, err := os.MkdirTemp(env.Str("TMPDIR", "/tmp"), targetName+"_bundle.")
	if err != nil {
		return "", errors.Annotate(err, "making staging dir").Err()
	}
	defer os.RemoveAll(staging)

	err = stageTree(ctx, staging, &stageSpec{
		closure:        closure,
		targetName:     targetName,
		extraBins:      opts.extraBins,
		extraFiles:     opts.extraFiles,
		resolveOptions: opts.resolveOptions,
	})
	if err != nil {
		return "", err
	}

	out := filepath.Join(opts.outputDir, targetName+OutputSuffix)
	logging.Infof(ctx, "packaging %s (zstd level %d)", out, opts.level)
	if err := writeImage(ctx, out, staging, targetName, opts.level); err != nil {
		return "", err
	}
	return out, nil
}

// writeImage assembles the final bundle at out: stub prefix, then the
// compressed archive of the staged tree, then the footer. The image is
// written to a temp sibling and renamed in after the footer lands, so
// a failed build leaves nothing half-made behind the output name.
func writeImage(ctx context.Context, out, staging, targetName string, level int) error {
	stub, stubLen, err := stubReader()
	if err != nil {
		return err
	}
	defer stub.Close()

	t, err := renameio.TempFile(filepath.Dir(out), out)
	if err != nil {
		return errors.Annotate(err, "creating output").Err()
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, stub); err != nil {
		return errors.Annotate(err, "copying stub image").Err()
	}

	digest := rexdata.NewDigestWriter(t)
	compressed := &iotools.CountingWriter{Writer: digest}
	zw, err := rexdata.CompressionZstd.Writer(compressed, level)
	if err != nil {
		return errors.Annotate(err, "opening compressor").Err()
	}
	uncompressed := &iotools.CountingWriter{Writer: zw}
	if err := rexdata.ArchiveDir(uncompressed, staging); err != nil {
		zw.Close()
		return errors.Annotate(err, "archiving staged tree").Err()
	}
	if err := zw.Close(); err != nil {
		return errors.Annotate(err, "finishing compression").Err()
	}

	footer := &rexdata.Footer{
		FormatVersion:    rexdata.FormatVersion,
		Arch:             rexdata.HostArch,
		PayloadOffset:    uint64(stubLen),
		PayloadSize:      uint64(compressed.Count),
		UncompressedSize: uint64(uncompressed.Count),
		TargetName:       targetName,
		Checksum:         digest.Sum64(),
	}
	if err := footer.Encode(t); err != nil {
		return errors.Annotate(err, "writing footer").Err()
	}
	if err := t.Chmod(0755); err != nil {
		return errors.Annotate(err, "marking output executable").Err()
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return errors.Annotate(err, "finalizing output").Err()
	}

	logging.Infof(ctx, "payload: %d bytes compressed, %d uncompressed",
		compressed.Count, uncompressed.Count)
	return nil
}

// selfExe names this process's executable image. /proc is
// authoritative on Linux; os.Executable is the fallback for odd
// mount setups.
func selfExe() string {
	const procSelf = "/proc/self/exe"
	if _, err := os.Stat(procSelf); err == nil {
		return procSelf
	}
	p, err := os.Executable()
	if err != nil {
		return procSelf
	}
	return p
}

// stubReader yields this binary's stub bytes. If the running image is
// itself a bundle, only the prefix before the payload is the stub;
// this is what lets an existing bundle build further bundles.
func stubReader() (io.ReadCloser, int64, error) {
	f, err := os.Open(selfExe())
	if err != nil {
		return nil, 0, errors.Annotate(err, "opening own executable").Err()
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Annotate(err, "statting own executable").Err()
	}
	stubLen := st.Size()

	switch footer, err := rexdata.DecodeFromTail(f); {
	case err == nil:
		stubLen = int64(footer.PayloadOffset)
	case err == rexdata.ErrNotABundle:
		// Clean stub; the whole image is the prefix.
	default:
		f.Close()
		return nil, 0, errors.Annotate(err, "inspecting own executable").Err()
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, errors.Annotate(err, "rewinding own executable").Err()
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, stubLen), f}, stubLen, nil
}
