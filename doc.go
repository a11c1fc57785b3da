// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rex implements a self-extracting bundle format for
// dynamically-linked Linux executables. A bundle packs a target binary,
// the transitive closure of its shared libraries, the matching dynamic
// loader, optional helper binaries and arbitrary data files into one
// output file which is itself runnable: the generator and the runtime
// stub share a single binary image, and a trailing footer record tells
// the image which of the two it currently is.
//
// The bundle is strictly append-only:
//   * stub bytes (a byte-for-byte copy of the rex executable)
//   * compressed archive (the staged bundle tree, zstd with a long
//     match window)
//   * footer
//
// The footer is fixed in structure and lives at the very end of the
// file. Its final field is its own total length, so a reader can locate
// the record by reading the last four bytes and seeking back, without
// parsing anything that precedes it. The footer records the payload
// offset and sizes, the name of the primary executable inside the
// bundle root, the format version and architecture tag, and an 8-byte
// BLAKE2b digest of the compressed payload.
//
// The archive is a flat record stream (path length, path, mode, size,
// data) rather than tar; the runtime stub only ever needs to recreate
// a tree it wrote itself, and a record stream keeps the stub's decoder
// trivial. Record sizes and modes describe the uncompressed files;
// the footer's offsets are absolute positions in the bundle file. Symlinks
// are not preserved: a link encountered while staging is materialized
// as the regular file it finally resolves to, which keeps the library
// closure self-contained once extracted.
//
// At run time the stub decodes its own footer, extracts the payload
// into a private scratch directory under $TMPDIR, and exec-chains into
// the bundled dynamic loader with an explicit --library-path. Invoking
// the loader directly, instead of the target, is what isolates the
// bundle from the host: the kernel never consults the target's
// PT_INTERP, so the host's loader and libraries are never involved.
// The scratch directory is removed when the target exits.
package rex
