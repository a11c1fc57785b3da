// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// The archive is a flat record stream:
//
//   u32 path_len ‖ path ‖ u32 mode ‖ u64 size ‖ size bytes of data
//
// Paths are slash-separated and relative to the bundle root. Records
// appear in lexical walk order, so a directory always precedes its
// contents. Directories carry the fs.ModeDir bit and a zero size.
// There is no terminator; the stream ends at EOF.

// maxPathLen bounds a single record path. Anything longer than this is
// a corrupt stream, not a real filesystem path.
const maxPathLen = 4 * 4096

// modeMask is what survives the archive boundary: permission bits plus
// the directory bit. Ownership, timestamps and special bits do not.
const modeMask = uint32(fs.ModePerm | fs.ModeDir)

func writeRecordHeader(w io.Writer, path string, mode uint32, size uint64) error {
	buf := make([]byte, 0, 4+len(path)+4+8)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(path)))
	buf = append(buf, path...)
	buf = binary.LittleEndian.AppendUint32(buf, mode)
	buf = binary.LittleEndian.AppendUint64(buf, size)
	_, err := w.Write(buf)
	return err
}

// ArchiveDir serializes the tree rooted at root into w as a record
// stream. Symlinks are materialized: a link to a regular file is
// archived as that file's content under the link's own path. The root
// directory itself produces no record.
func ArchiveDir(w io.Writer, root string) error {
	root = filepath.Clean(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Annotate(err, "walking %q", path).Err()
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Annotate(err, "relativizing %q", path).Err()
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return errors.Annotate(err, "statting dir %q", rel).Err()
			}
			mode := uint32(info.Mode()) & modeMask
			return writeRecordHeader(w, rel, mode, 0)
		}

		// Follow a symlink to the regular file it finally names; the
		// link itself never crosses the archive boundary.
		src := path
		if d.Type()&fs.ModeSymlink != 0 {
			if src, err = filepath.EvalSymlinks(path); err != nil {
				return errors.Annotate(err, "resolving symlink %q", rel).Err()
			}
		}
		info, err := os.Stat(src)
		if err != nil {
			return errors.Annotate(err, "statting %q", rel).Err()
		}
		if !info.Mode().IsRegular() {
			return errors.Reason("unsupported entry %q: %s", rel, info.Mode()).Err()
		}

		mode := uint32(info.Mode()) & modeMask
		if err := writeRecordHeader(w, rel, mode, uint64(info.Size())); err != nil {
			return errors.Annotate(err, "writing header for %q", rel).Err()
		}
		f, err := os.Open(src)
		if err != nil {
			return errors.Annotate(err, "opening %q", rel).Err()
		}
		defer f.Close()
		if _, err := io.CopyN(w, f, info.Size()); err != nil {
			return errors.Annotate(err, "writing data for %q", rel).Err()
		}
		return nil
	})
}

// safeRel validates an archive path before it touches the filesystem:
// relative, clean, slash-separated, never escaping root.
func safeRel(path string) (string, error) {
	if path == "" || strings.HasPrefix(path, "/") {
		return "", errors.Reason("bad archive path %q", path).Err()
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Reason("archive path %q escapes root", path).Err()
	}
	return clean, nil
}

// UnpackArchive recreates a record stream under root, restoring
// permission bits. root must already exist.
func UnpackArchive(r io.Reader, root string) error {
	var hdr [12]byte
	for {
		if _, err := io.ReadFull(r, hdr[:4]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Annotate(err, "reading record header").Err()
		}
		pathLen := binary.LittleEndian.Uint32(hdr[:4])
		if pathLen == 0 || pathLen > maxPathLen {
			return errors.Reason("corrupt record: path length %d", pathLen).Err()
		}
		pathBuf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBuf); err != nil {
			return errors.Annotate(err, "reading record path").Err()
		}
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return errors.Annotate(err, "reading record for %q", pathBuf).Err()
		}
		mode := fs.FileMode(binary.LittleEndian.Uint32(hdr[:4]) & modeMask)
		size := binary.LittleEndian.Uint64(hdr[4:])

		rel, err := safeRel(string(pathBuf))
		if err != nil {
			return err
		}
		abs := filepath.Join(root, rel)

		if mode.IsDir() {
			if size != 0 {
				return errors.Reason("corrupt record: directory %q with size %d", rel, size).Err()
			}
			if err := os.MkdirAll(abs, mode.Perm()); err != nil {
				return errors.Annotate(err, "making dir %q", rel).Err()
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return errors.Annotate(err, "making parent of %q", rel).Err()
		}
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return errors.Annotate(err, "creating file %q", rel).Err()
		}
		if _, err := io.Copy(f, io.LimitReader(r, int64(size))); err != nil {
			f.Close()
			return errors.Annotate(err, "writing file %q", rel).Err()
		}
		// O_CREATE honors umask; the archived mode is authoritative.
		if err := f.Chmod(mode.Perm()); err != nil {
			f.Close()
			return errors.Annotate(err, "setting mode on %q", rel).Err()
		}
		if err := f.Close(); err != nil {
			return errors.Annotate(err, "closing file %q", rel).Err()
		}
	}
}
