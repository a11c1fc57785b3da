// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"go.chromium.org/luci/common/errors"
)

// FormatVersion is the bundle format version this package reads and
// writes. Readers reject anything newer.
const FormatVersion uint16 = 1

// ArchTag identifies the CPU architecture a bundle's payload was built
// for. A stub refuses payloads tagged for a different architecture.
type ArchTag uint16

// Known architecture tags.
const (
	ArchX86_64 ArchTag = 1
)

// HostArch is the tag of the architecture this binary was compiled for.
const HostArch = ArchX86_64

// MagicLen is the length of the footer magic.
const MagicLen = 8

// magic is "REX\0BND1", assembled at init from shifted bytes. The
// literal sequence must not exist anywhere in the stub image except
// inside a real footer, so it is never spelled out in code or data.
var magic [MagicLen]byte

func init() {
	enc := [MagicLen]byte{'R' + 1, 'E' + 1, 'X' + 1, 1, 'B' + 1, 'N' + 1, 'D' + 1, '1' + 1}
	for i, b := range enc {
		magic[i] = b - 1
	}
}

// FixedLen is the encoded footer size excluding the target name:
// magic(8) + version(2) + arch(2) + payload_offset(8) + payload_size(8)
// + uncompressed_size(8) + name_len(2) + checksum(8) + total_len(4).
const FixedLen = MagicLen + 2 + 2 + 8 + 8 + 8 + 2 + 8 + 4

// maxNameLen bounds target_name_len; it is a uint16 on the wire.
const maxNameLen = 1<<16 - 1

// Decode failure modes. DecodeFromTail returns ErrNotABundle and
// ErrTruncated as they are, and the other two wrapped with context;
// match with errors.Is.
var (
	ErrNotABundle         = errors.New("no bundle footer")
	ErrUnsupportedVersion = errors.New("unsupported bundle format version")
	ErrArchMismatch       = errors.New("bundle architecture does not match this stub")
	ErrTruncated          = errors.New("bundle is truncated")
)

// Footer is the trailer record appended after the compressed payload.
// All offsets are absolute from the start of the bundle file.
type Footer struct {
	FormatVersion    uint16
	Arch             ArchTag
	PayloadOffset    uint64
	PayloadSize      uint64
	UncompressedSize uint64
	TargetName       string
	Checksum         uint64
}

// Len returns the encoded size of the footer in bytes.
func (f *Footer) Len() int {
	return FixedLen + len(f.TargetName)
}

// Encode writes the footer to w in wire format (little-endian).
func (f *Footer) Encode(w io.Writer) error {
	if len(f.TargetName) == 0 || len(f.TargetName) > maxNameLen {
		return errors.Reason("bad target name length: %d", len(f.TargetName)).Err()
	}
	if !utf8.ValidString(f.TargetName) {
		return errors.Reason("target name is not valid UTF-8: %q", f.TargetName).Err()
	}

	buf := make([]byte, 0, f.Len())
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, f.FormatVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Arch))
	buf = binary.LittleEndian.AppendUint64(buf, f.PayloadOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.PayloadSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.UncompressedSize)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.TargetName)))
	buf = append(buf, f.TargetName...)
	buf = binary.LittleEndian.AppendUint64(buf, f.Checksum)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Len()))
	_, err := w.Write(buf)
	return err
}

// DecodeFromTail locates and parses the footer of r by seeking to the
// end, reading the trailing total-length field, and seeking back by
// that amount. On success the file offset of r is unspecified.
//
// ErrNotABundle means r carries no recognizable footer at all (this is
// how the binary discovers it is running as the builder). The other
// sentinel errors mean a footer was found but cannot be honored.
func DecodeFromTail(r io.ReadSeeker) (*Footer, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Annotate(err, "seeking to tail").Err()
	}
	if size < FixedLen {
		return nil, ErrNotABundle
	}

	var tail [4]byte
	if _, err := r.Seek(-4, io.SeekEnd); err != nil {
		return nil, errors.Annotate(err, "seeking to total length").Err()
	}
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, errors.Annotate(err, "reading total length").Err()
	}
	totalLen := int64(binary.LittleEndian.Uint32(tail[:]))
	if totalLen < FixedLen || totalLen > FixedLen+maxNameLen || totalLen > size {
		return nil, ErrNotABundle
	}

	if _, err := r.Seek(-totalLen, io.SeekEnd); err != nil {
		return nil, errors.Annotate(err, "seeking to footer").Err()
	}
	buf := make([]byte, totalLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Annotate(err, "reading footer").Err()
	}

	for i := 0; i < MagicLen; i++ {
		if buf[i] != magic[i] {
			return nil, ErrNotABundle
		}
	}

	f := &Footer{
		FormatVersion: binary.LittleEndian.Uint16(buf[8:]),
		Arch:          ArchTag(binary.LittleEndian.Uint16(buf[10:])),
	}
	if f.FormatVersion != FormatVersion {
		return nil, errors.Annotate(ErrUnsupportedVersion, "version %d", f.FormatVersion).Err()
	}
	if f.Arch != HostArch {
		return nil, errors.Annotate(ErrArchMismatch, "arch tag %d", f.Arch).Err()
	}

	f.PayloadOffset = binary.LittleEndian.Uint64(buf[12:])
	f.PayloadSize = binary.LittleEndian.Uint64(buf[20:])
	f.UncompressedSize = binary.LittleEndian.Uint64(buf[28:])
	nameLen := int64(binary.LittleEndian.Uint16(buf[36:]))
	if totalLen != FixedLen+nameLen {
		return nil, ErrTruncated
	}
	name := buf[38 : 38+nameLen]
	if len(name) == 0 || !utf8.Valid(name) {
		return nil, ErrTruncated
	}
	f.TargetName = string(name)
	f.Checksum = binary.LittleEndian.Uint64(buf[38+nameLen:])

	if f.PayloadOffset+f.PayloadSize+uint64(totalLen) != uint64(size) {
		return nil, ErrTruncated
	}
	return f, nil
}
