// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rldd

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth caps ld.so.conf include recursion; real installs are
// one or two levels deep.
const maxIncludeDepth = 8

// LoadLdSoConf parses an ld.so.conf style file into its list of
// library directories, following "include" directives with glob
// expansion. Relative include patterns are resolved against the
// directory of the file that contains them. Unreadable files and bad
// globs contribute nothing; the file is host configuration the builder
// can only take or leave.
func LoadLdSoConf(path string) []string {
	return loadLdSoConf(path, 0)
}

func loadLdSoConf(path string, depth int) []string {
	if depth > maxIncludeDepth {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var dirs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if pat, ok := strings.CutPrefix(line, "include "); ok {
			pat = strings.TrimSpace(pat)
			if !filepath.IsAbs(pat) {
				pat = filepath.Join(filepath.Dir(path), pat)
			}
			matches, err := filepath.Glob(pat)
			if err != nil {
				continue
			}
			for _, m := range matches {
				dirs = append(dirs, loadLdSoConf(m, depth+1)...)
			}
			continue
		}

		if filepath.IsAbs(line) {
			dirs = append(dirs, line)
		}
	}
	return dirs
}
