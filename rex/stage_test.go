// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rex

import (
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"github.com/LinuxProativo/Rex/rex/internal/elftest"
	"github.com/LinuxProativo/Rex/rex/rldd"
)

const loaderName = "ld-linux-x86-64.so.2"

func TestStageTree(t *testing.T) {
	t.Parallel()

	Convey("stageTree", t, func() {
		ctx := context.Background()
		src := t.TempDir()
		dest := t.TempDir()

		loader := filepath.Join(src, loaderName)
		So(elftest.Write(loader, elftest.Spec{NoDynamic: true}), ShouldBeNil)
		libfoo := filepath.Join(src, "libfoo.so.1")
		So(elftest.Write(libfoo, elftest.Spec{Soname: "libfoo.so.1"}), ShouldBeNil)
		target := filepath.Join(src, "app")
		So(elftest.Write(target, elftest.Spec{Type: elf.ET_EXEC, Interp: loader}), ShouldBeNil)

		spec := &stageSpec{
			closure: &rldd.Closure{
				Target: target,
				Type:   rldd.Dynamic,
				Libs:   []rldd.Lib{{Soname: "libfoo.so.1", Path: libfoo}},
				Loader: rldd.Lib{Soname: loaderName, Path: loader},
			},
			targetName: "app",
		}

		Convey("canonical layout", func() {
			So(stageTree(ctx, dest, spec), ShouldBeNil)

			st, err := os.Stat(filepath.Join(dest, "app"))
			So(err, ShouldBeNil)
			So(st.Mode().Perm(), ShouldEqual, os.FileMode(0755))

			for _, name := range []string{loaderName, "libfoo.so.1"} {
				st, err := os.Stat(filepath.Join(dest, libsDir, name))
				So(err, ShouldBeNil)
				So(st.Mode().IsRegular(), ShouldBeTrue)
			}

			// No helpers requested, so no bins/ either.
			_, err = os.Stat(filepath.Join(dest, binsDir))
			So(os.IsNotExist(err), ShouldBeTrue)
		})

		Convey("first write wins inside libs/", func() {
			So(os.MkdirAll(filepath.Join(dest, libsDir), 0755), ShouldBeNil)
			So(os.WriteFile(filepath.Join(dest, libsDir, "libfoo.so.1"), []byte("already here"), 0755), ShouldBeNil)

			So(stageTree(ctx, dest, spec), ShouldBeNil)
			data, err := os.ReadFile(filepath.Join(dest, libsDir, "libfoo.so.1"))
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte("already here"))
		})

		Convey("helper binaries land in bins/ with their closures merged", func() {
			helperLibDir := filepath.Join(src, "hlibs")
			So(os.Mkdir(helperLibDir, 0755), ShouldBeNil)
			So(elftest.Write(filepath.Join(helperLibDir, "libhelp.so.5"),
				elftest.Spec{Soname: "libhelp.so.5"}), ShouldBeNil)
			helper := filepath.Join(src, "helper")
			So(elftest.Write(helper, elftest.Spec{
				Type:   elf.ET_EXEC,
				Interp: loader,
				Needed: []string{"libhelp.so.5"},
			}), ShouldBeNil)

			spec.extraBins = []string{helper}
			spec.resolveOptions = []rldd.ResolveOption{rldd.WithSearchDirs([]string{helperLibDir})}
			So(stageTree(ctx, dest, spec), ShouldBeNil)

			_, err := os.Stat(filepath.Join(dest, binsDir, "helper"))
			So(err, ShouldBeNil)
			_, err = os.Stat(filepath.Join(dest, libsDir, "libhelp.so.5"))
			So(err, ShouldBeNil)
		})

		Convey("a directory of helpers stages each regular file", func() {
			helpers := filepath.Join(src, "tools")
			So(os.Mkdir(helpers, 0755), ShouldBeNil)
			So(os.WriteFile(filepath.Join(helpers, "notes.sh"), []byte("#!/bin/sh\n"), 0755), ShouldBeNil)
			So(elftest.Write(filepath.Join(helpers, "tool"), elftest.Spec{
				Type: elf.ET_EXEC, Interp: loader, NoDynamic: true,
			}), ShouldBeNil)

			spec.extraBins = []string{helpers}
			So(stageTree(ctx, dest, spec), ShouldBeNil)

			_, err := os.Stat(filepath.Join(dest, binsDir, "tool"))
			So(err, ShouldBeNil)
			_, err = os.Stat(filepath.Join(dest, binsDir, "notes.sh"))
			So(err, ShouldBeNil)
		})

		Convey("extras are placed verbatim at the root", func() {
			assets := filepath.Join(src, "assets")
			So(os.MkdirAll(filepath.Join(assets, "img"), 0755), ShouldBeNil)
			So(os.WriteFile(filepath.Join(assets, "img", "logo"), []byte("png"), 0644), ShouldBeNil)
			readme := filepath.Join(src, "README")
			So(os.WriteFile(readme, []byte("docs"), 0644), ShouldBeNil)

			spec.extraFiles = []string{assets, readme}
			So(stageTree(ctx, dest, spec), ShouldBeNil)

			data, err := os.ReadFile(filepath.Join(dest, "assets", "img", "logo"))
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte("png"))
			data, err = os.ReadFile(filepath.Join(dest, "README"))
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte("docs"))
		})

		Convey("missing extras fail loudly", func() {
			spec.extraFiles = []string{filepath.Join(src, "nope")}
			So(stageTree(ctx, dest, spec), ShouldErrLike, "statting extra file")
		})
	})
}
