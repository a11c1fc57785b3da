// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rex

import (
	"context"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"github.com/LinuxProativo/Rex/rex/internal/elftest"
	"github.com/LinuxProativo/Rex/rex/rexdata"
	"github.com/LinuxProativo/Rex/rex/rldd"
)

// unpackBundle decodes a bundle file and extracts its payload, giving
// tests the footer and the reconstructed tree.
func unpackBundle(t *testing.T, path string) (*rexdata.Footer, string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	footer, err := rexdata.DecodeFromTail(f)
	if err != nil {
		t.Fatal(err)
	}

	section := io.NewSectionReader(f, int64(footer.PayloadOffset), int64(footer.PayloadSize))
	verify := rexdata.VerifyReader(section, footer.Checksum)
	zr, err := rexdata.CompressionZstd.Reader(verify)
	if err != nil {
		t.Fatal(err)
	}
	tree := t.TempDir()
	if err := rexdata.UnpackArchive(zr, tree); err != nil {
		t.Fatal(err)
	}
	zr.Close()
	if _, err := io.Copy(io.Discard, verify); err != nil {
		t.Fatal(err)
	}
	if err := verify.Close(); err != nil {
		t.Fatal(err)
	}
	return footer, tree
}

func TestBuild(t *testing.T) {
	t.Parallel()

	Convey("Build", t, func() {
		ctx := context.Background()
		src := t.TempDir()

		loader := filepath.Join(src, loaderName)
		So(elftest.Write(loader, elftest.Spec{NoDynamic: true}), ShouldBeNil)
		libdir := filepath.Join(src, "lib")
		So(os.Mkdir(libdir, 0755), ShouldBeNil)
		So(elftest.Write(filepath.Join(libdir, "libfoo.so.1"),
			elftest.Spec{Soname: "libfoo.so.1"}), ShouldBeNil)
		target := filepath.Join(src, "app")
		So(elftest.Write(target, elftest.Spec{
			Type:   elf.ET_EXEC,
			Interp: loader,
			Needed: []string{"libfoo.so.1"},
		}), ShouldBeNil)

		ropts := WithResolveOptions(rldd.WithSearchDirs([]string{libdir}))

		Convey("produces a decodable, extractable bundle", func() {
			outDir := t.TempDir()
			out, err := Build(ctx, target, ropts, WithOutputDir(outDir))
			So(err, ShouldBeNil)
			So(out, ShouldEqual, filepath.Join(outDir, "app"+OutputSuffix))

			st, err := os.Stat(out)
			So(err, ShouldBeNil)
			So(st.Mode().Perm()&0111, ShouldNotEqual, 0)

			footer, tree := unpackBundle(t, out)
			So(footer.TargetName, ShouldEqual, "app")
			So(footer.PayloadOffset+footer.PayloadSize+uint64(footer.Len()), ShouldEqual, uint64(st.Size()))

			tst, err := os.Stat(filepath.Join(tree, "app"))
			So(err, ShouldBeNil)
			So(tst.Mode().Perm()&0111, ShouldNotEqual, 0)
			_, err = os.Stat(filepath.Join(tree, libsDir, "libfoo.so.1"))
			So(err, ShouldBeNil)
			_, err = os.Stat(filepath.Join(tree, libsDir, loaderName))
			So(err, ShouldBeNil)
		})

		Convey("bundles extras alongside the closure", func() {
			assets := filepath.Join(src, "assets")
			So(os.MkdirAll(assets, 0755), ShouldBeNil)
			So(os.WriteFile(filepath.Join(assets, "data.txt"), []byte("hi"), 0644), ShouldBeNil)
			helper := filepath.Join(src, "helper")
			So(elftest.Write(helper, elftest.Spec{
				Type: elf.ET_EXEC, Interp: loader, NoDynamic: true,
			}), ShouldBeNil)

			out, err := Build(ctx, target, ropts,
				WithOutputDir(t.TempDir()),
				WithExtraBins([]string{helper}),
				WithExtraFiles([]string{assets}),
			)
			So(err, ShouldBeNil)

			_, tree := unpackBundle(t, out)
			_, err = os.Stat(filepath.Join(tree, binsDir, "helper"))
			So(err, ShouldBeNil)
			data, err := os.ReadFile(filepath.Join(tree, "assets", "data.txt"))
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte("hi"))
		})

		Convey("identical inputs build identical bundles", func() {
			outA, err := Build(ctx, target, ropts, WithOutputDir(t.TempDir()))
			So(err, ShouldBeNil)
			outB, err := Build(ctx, target, ropts, WithOutputDir(t.TempDir()))
			So(err, ShouldBeNil)

			a, err := os.ReadFile(outA)
			So(err, ShouldBeNil)
			b, err := os.ReadFile(outB)
			So(err, ShouldBeNil)
			So(a, ShouldResemble, b)
		})

		Convey("rejects non-dynamic targets", func() {
			static := filepath.Join(src, "static")
			So(elftest.Write(static, elftest.Spec{Type: elf.ET_EXEC, NoDynamic: true}), ShouldBeNil)
			_, err := Build(ctx, static, WithOutputDir(t.TempDir()))
			So(err, ShouldErrLike, "not a dynamically linked ELF")
		})

		Convey("rejects out-of-range levels before doing any work", func() {
			outDir := t.TempDir()
			_, err := Build(ctx, target, ropts, WithOutputDir(outDir), WithLevel(23))
			So(err, ShouldErrLike, "out of range")

			ents, err := os.ReadDir(outDir)
			So(err, ShouldBeNil)
			So(ents, ShouldBeEmpty)
		})

		Convey("missing dependencies abort the build", func() {
			broken := filepath.Join(src, "broken")
			So(elftest.Write(broken, elftest.Spec{
				Type:   elf.ET_EXEC,
				Interp: loader,
				Needed: []string{"libmissing.so.7"},
			}), ShouldBeNil)

			_, err := Build(ctx, broken, ropts, WithOutputDir(t.TempDir()))
			So(err, ShouldNotBeNil)
			var unresolved *rldd.UnresolvedDependencyError
			So(errors.As(err, &unresolved), ShouldBeTrue)
			So(unresolved.Soname, ShouldEqual, "libmissing.so.7")
		})
	})
}
