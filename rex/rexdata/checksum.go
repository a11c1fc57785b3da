// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the payload digest length. The footer reserves exactly
// eight bytes for the checksum, so the digest is a short BLAKE2b.
const DigestSize = 8

func newPayloadHash() hash.Hash {
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		panic(err)
	}
	return h
}

// MismatchedChecksumError is returned when a payload's digest does not
// match the value recorded in the footer.
type MismatchedChecksumError struct {
	Nominal uint64
	Actual  uint64
}

func (e *MismatchedChecksumError) Error() string {
	return fmt.Sprintf("mismatched payload checksum: %016x expected %016x", e.Actual, e.Nominal)
}

// DigestWriter tees everything written to it into a payload hash.
// After the payload has been streamed through, Sum64 yields the value
// to record in the footer.
type DigestWriter struct {
	io.Writer

	h hash.Hash
}

// NewDigestWriter wraps w so that writes are also hashed.
func NewDigestWriter(w io.Writer) *DigestWriter {
	h := newPayloadHash()
	return &DigestWriter{io.MultiWriter(w, h), h}
}

// Sum64 returns the digest of all bytes written so far.
func (d *DigestWriter) Sum64() uint64 {
	return binary.LittleEndian.Uint64(d.h.Sum(nil))
}

// VerifyReader wraps r so that all bytes read are hashed; Close
// compares the digest against want and returns
// *MismatchedChecksumError if they differ.
//
// The caller must read r to EOF before closing for the verification to
// cover the whole payload.
func VerifyReader(r io.Reader, want uint64) io.ReadCloser {
	h := newPayloadHash()
	return readCloseHook{
		io.TeeReader(r, h),
		func() error {
			got := binary.LittleEndian.Uint64(h.Sum(nil))
			if got != want {
				return &MismatchedChecksumError{Nominal: want, Actual: got}
			}
			return nil
		},
	}
}
