// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rldd resolves the shared-library closure of an ELF
// executable the way the runtime linker would, by reading ELF metadata
// directly: DT_NEEDED, DT_RPATH, DT_RUNPATH and PT_INTERP. It never
// executes the target and never invokes system tools, and it ignores
// LD_LIBRARY_PATH so that resolution does not depend on the shell that
// happens to run the builder.
package rldd

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Lib is one resolved closure entry: the soname it was requested
// under, and the regular file that satisfies it. Path never points at
// a symlink; chains like libfoo.so.1 -> libfoo.so.1.2 are collapsed to
// the final file, kept under the requested soname.
type Lib struct {
	Soname string
	Path   string
}

// Closure is the result of resolving one ELF file.
type Closure struct {
	// Target is the absolute, symlink-free path of the resolved file.
	Target string

	// Type is the classification of Target. Libs and Loader are only
	// populated for Dynamic targets.
	Type ElfType

	// Libs is the transitive dependency closure in breadth-first
	// discovery order, deduplicated by soname (first seen wins). The
	// dynamic loader is not in this list.
	Libs []Lib

	// Loader is the PT_INTERP of the target: Soname holds its original
	// basename, Path the resolved regular file. Zero if the target has
	// no PT_INTERP (shared objects given via -l, for instance).
	Loader Lib
}

// UnresolvedDependencyError reports a DT_NEEDED entry that no search
// path satisfies, along with the dependency spine that led to it.
type UnresolvedDependencyError struct {
	Soname string

	// Chain runs from the root target down to the object that needed
	// the missing soname.
	Chain []string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("cannot resolve %q (needed by %s)", e.Soname, strings.Join(e.Chain, " -> "))
}

// node is a link in the dependency spine; RPATH lookups walk it upward.
type node struct {
	obj    *object
	parent *node
}

func (n *node) chain() []string {
	var rev []string
	for ; n != nil; n = n.parent {
		rev = append(rev, n.obj.path)
	}
	out := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}

type resolveOptionData struct {
	extraLibs  []string
	conf       string
	searchDirs []string
}

// ResolveOption configures a Resolve call.
type ResolveOption func(*resolveOptionData)

// WithExtraLibs injects user-supplied libraries at the root of the
// search frontier. Their sonames shadow host libraries with the same
// name, and their own dependencies are resolved too.
func WithExtraLibs(paths []string) ResolveOption {
	return func(o *resolveOptionData) {
		o.extraLibs = append(o.extraLibs, paths...)
	}
}

// WithLdSoConf overrides the ld.so.conf location (tests).
func WithLdSoConf(path string) ResolveOption {
	return func(o *resolveOptionData) {
		o.conf = path
	}
}

// WithSearchDirs replaces the built-in fallback directory list
// entirely, including anything ld.so.conf would contribute (tests).
func WithSearchDirs(dirs []string) ResolveOption {
	return func(o *resolveOptionData) {
		o.searchDirs = dirs
	}
}

type pending struct {
	soname string
	from   *node
}

// Resolve computes the shared-library closure of the ELF at target.
// Static and Invalid targets come back with an empty closure and the
// matching Type; the caller decides whether that is an error.
func Resolve(target string, options ...ResolveOption) (*Closure, error) {
	opts := resolveOptionData{conf: ldSoConfPath}
	for _, o := range options {
		o(&opts)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, errors.Annotate(err, "resolving %q", target).Err()
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Annotate(err, "resolving %q", target).Err()
	}

	typ, err := Classify(real)
	if err != nil {
		return nil, err
	}
	if typ != Dynamic {
		return &Closure{Target: real, Type: typ}, nil
	}

	root, err := loadObject(real)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	closure := &Closure{Target: real, Type: Dynamic}

	if root.interp != "" {
		lpath, ok := acceptLib(root.interp)
		if !ok {
			return nil, errors.Reason("dynamic loader %q not found", root.interp).Err()
		}
		closure.Loader = Lib{Soname: filepath.Base(root.interp), Path: lpath}
		// Some libcs list their loader in DT_NEEDED; it is staged
		// separately, never as a closure entry.
		visited[closure.Loader.Soname] = true
	}

	policy := newSearchPolicy(opts.conf, opts.searchDirs)
	rootNode := &node{obj: root}
	var queue []pending

	// User libraries enter first so their sonames win over anything
	// found on the host later.
	for _, extra := range opts.extraLibs {
		lpath, ok := acceptLib(extra)
		if !ok {
			return nil, errors.Reason("extra library %q is not a readable ELF", extra).Err()
		}
		o, err := loadObject(lpath)
		if err != nil {
			return nil, err
		}
		soname := o.soname
		if soname == "" {
			soname = filepath.Base(lpath)
		}
		if visited[soname] {
			continue
		}
		visited[soname] = true
		closure.Libs = append(closure.Libs, Lib{Soname: soname, Path: lpath})
		n := &node{obj: o, parent: rootNode}
		for _, need := range o.needed {
			queue = append(queue, pending{need, n})
		}
	}

	for _, need := range root.needed {
		queue = append(queue, pending{need, rootNode})
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p.soname] {
			continue
		}

		lpath, ok := policy.locate(p.soname, p.from)
		if !ok {
			return nil, &UnresolvedDependencyError{Soname: p.soname, Chain: p.from.chain()}
		}
		o, err := loadObject(lpath)
		if err != nil {
			return nil, err
		}

		visited[p.soname] = true
		if o.soname != "" {
			visited[o.soname] = true
		}
		closure.Libs = append(closure.Libs, Lib{Soname: p.soname, Path: lpath})

		n := &node{obj: o, parent: p.from}
		for _, need := range o.needed {
			if !visited[need] {
				queue = append(queue, pending{need, n})
			}
		}
	}

	return closure, nil
}
