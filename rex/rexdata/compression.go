// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"go.chromium.org/luci/common/errors"
)

// CompressionScheme indicates how a bundle payload is compressed.
type CompressionScheme byte

// Supported compression schemes. Bundles are always written with
// CompressionZstd; CompressionNone exists for tests and as an escape
// hatch for payloads that are already compressed.
const (
	CompressionNone CompressionScheme = iota + 1
	CompressionZstd
)

// Compression level bounds, zstd semantics. The externally visible
// knob stays 1..22 and is mapped onto the encoder's speed levels.
const (
	MinLevel     = 1
	MaxLevel     = 22
	DefaultLevel = 5
)

// longMatchWindow is the encoder match window. Bundles are dominated
// by large, partially repeating ELF images, so matches far apart are
// where the ratio comes from.
const longMatchWindow = 128 << 20

// ValidLevel returns nil iff level is within the accepted range.
func ValidLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return errors.Reason("compression level %d out of range [%d, %d]", level, MinLevel, MaxLevel).Err()
	}
	return nil
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 17:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Writer returns a new compressing writer for the given scheme. The
// compressed stream is not valid until the writer is Close()'d.
func (c CompressionScheme) Writer(w io.Writer, level int) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return writeCloseHook{w, nil}, nil
	case CompressionZstd:
		if err := ValidLevel(level); err != nil {
			return nil, err
		}
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(encoderLevel(level)),
			zstd.WithWindowSize(longMatchWindow),
			zstd.WithEncoderConcurrency(1),
		)
	}
	return nil, c.Valid()
}

// Reader returns a new decompressing reader for the given scheme.
func (c CompressionScheme) Reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return readCloseHook{r, nil}, nil
	case CompressionZstd:
		d, err := zstd.NewReader(r,
			zstd.WithDecoderMaxWindow(longMatchWindow),
			zstd.WithDecoderConcurrency(1),
		)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, c.Valid()
}

// Valid returns nil iff this CompressionScheme is valid.
func (c CompressionScheme) Valid() error {
	switch c {
	case CompressionNone, CompressionZstd:
		return nil
	}
	return errors.Reason("unknown compression scheme 0x%x", byte(c)).Err()
}
