// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rldd

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
)

// ldSoConfPath is where the host linker keeps its extra search dirs.
const ldSoConfPath = "/etc/ld.so.conf"

// defaultSearchDirs are consulted after RUNPATH and RPATH, together
// with whatever ld.so.conf contributes. The multiarch pair covers
// Debian-family layouts.
var defaultSearchDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
}

// searchPolicy is the fallback directory list, fixed for the lifetime
// of one Resolve call. LD_LIBRARY_PATH is deliberately not part of it:
// bundles must come out the same no matter what shell built them.
type searchPolicy struct {
	defaults []string
}

func newSearchPolicy(conf string, defaults []string) *searchPolicy {
	if defaults == nil {
		defaults = append(append([]string(nil), defaultSearchDirs...), LoadLdSoConf(conf)...)
	}
	return &searchPolicy{defaults: defaults}
}

// expandOrigin substitutes the $ORIGIN dynamic string token with the
// directory holding the object whose search entry this is.
func expandOrigin(entry, objDir string) string {
	entry = strings.ReplaceAll(entry, "${ORIGIN}", objDir)
	return strings.ReplaceAll(entry, "$ORIGIN", objDir)
}

// acceptLib decides whether path is usable as a resolved library: the
// final file behind any symlink chain must be a regular file that
// parses as an ELF for our class and machine. It returns the resolved
// regular-file path; the symlink chain itself is never kept.
func acceptLib(path string) (string, bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	st, err := os.Stat(real)
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	f, err := elf.Open(real)
	if err != nil {
		return "", false
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return "", false
	}
	return real, true
}

// locate searches for soname on behalf of the object at node n,
// applying the linker's order: the object's own RUNPATH, then RPATH of
// the object and its ancestors along the dependency spine, then the
// built-in and ld.so.conf directories. First match wins.
func (p *searchPolicy) locate(soname string, n *node) (string, bool) {
	for _, dir := range n.obj.runpath {
		if real, ok := acceptLib(filepath.Join(expandOrigin(dir, n.obj.dir()), soname)); ok {
			return real, true
		}
	}
	for spine := n; spine != nil; spine = spine.parent {
		for _, dir := range spine.obj.rpath {
			if real, ok := acceptLib(filepath.Join(expandOrigin(dir, spine.obj.dir()), soname)); ok {
				return real, true
			}
		}
	}
	for _, dir := range p.defaults {
		if real, ok := acceptLib(filepath.Join(dir, soname)); ok {
			return real, true
		}
	}
	return "", false
}
