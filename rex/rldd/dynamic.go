// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rldd

import (
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// ElfType classifies a path for bundling purposes.
type ElfType int

// Classification results. Invalid covers non-ELF files and ELF files
// for a foreign class or machine; Static is a real ELF with no dynamic
// segment, which needs no bundle at all.
const (
	Invalid ElfType = iota
	Static
	Dynamic
)

// object is the dynamic-section view of a single ELF file: everything
// the resolver reads, nothing it doesn't. The resolver never executes
// the file or shells out.
type object struct {
	// path is the absolute path the object was loaded from.
	path string

	soname  string
	needed  []string
	runpath []string
	rpath   []string

	// interp is the PT_INTERP of the object, normally set only on the
	// root executable.
	interp string
}

// dir returns the directory of the object, the value $ORIGIN expands to.
func (o *object) dir() string {
	return filepath.Dir(o.path)
}

// Classify reports whether path is a dynamically linked ELF for the
// supported machine. It returns (Invalid, nil) for files that simply
// aren't that; errors are reserved for I/O failures.
func Classify(path string) (ElfType, error) {
	raw, err := os.Open(path)
	if err != nil {
		return Invalid, errors.Annotate(err, "opening %q", path).Err()
	}
	defer raw.Close()

	// Any parse failure just means "not an ELF we can bundle"; only
	// the filesystem gets to produce real errors here.
	f, err := elf.NewFile(raw)
	if err != nil {
		return Invalid, nil
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Data != elf.ELFDATA2LSB {
		return Invalid, nil
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			return Dynamic, nil
		}
	}
	return Static, nil
}

// loadObject parses the ELF at path into an object. The caller is
// expected to have resolved path to an absolute, link-free location.
func loadObject(path string) (*object, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "parsing ELF %q", path).Err()
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, errors.Reason("%q: unsupported ELF class/machine %s/%s", path, f.Class, f.Machine).Err()
	}

	o := &object{path: path}

	if o.needed, err = f.DynString(elf.DT_NEEDED); err != nil {
		return nil, errors.Annotate(err, "%q: reading DT_NEEDED", path).Err()
	}
	if o.soname, err = dynStringOne(f, elf.DT_SONAME); err != nil {
		return nil, errors.Annotate(err, "%q: reading DT_SONAME", path).Err()
	}

	// RPATH/RUNPATH hold colon-separated lists in a single entry.
	runpath, err := dynStringOne(f, elf.DT_RUNPATH)
	if err != nil {
		return nil, errors.Annotate(err, "%q: reading DT_RUNPATH", path).Err()
	}
	rpath, err := dynStringOne(f, elf.DT_RPATH)
	if err != nil {
		return nil, errors.Annotate(err, "%q: reading DT_RPATH", path).Err()
	}
	o.runpath = splitSearchList(runpath)
	o.rpath = splitSearchList(rpath)

	if o.interp, err = readInterp(f); err != nil {
		return nil, errors.Annotate(err, "%q: reading PT_INTERP", path).Err()
	}
	return o, nil
}

// dynStringOne reads a dynamic-section string entry that appears at
// most once. A missing entry is "".
func dynStringOne(f *elf.File, tag elf.DynTag) (string, error) {
	vals, err := f.DynString(tag)
	if err != nil || len(vals) == 0 {
		return "", err
	}
	return vals[0], nil
}

// readInterp returns the PT_INTERP path of f, without the trailing NUL.
func readInterp(f *elf.File) (string, error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		buf, err := io.ReadAll(prog.Open())
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(buf), "\x00"), nil
	}
	return "", nil
}

func splitSearchList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, ent := range strings.Split(s, ":") {
		if ent != "" {
			out = append(out, ent)
		}
	}
	return out
}
