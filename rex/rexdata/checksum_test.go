// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"bytes"
	"io"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestChecksum(t *testing.T) {
	t.Parallel()

	Convey("Checksum", t, func() {
		payload := []byte("compressed payload bytes")

		buf := &bytes.Buffer{}
		dw := NewDigestWriter(buf)
		_, err := dw.Write(payload)
		So(err, ShouldBeNil)
		So(buf.Bytes(), ShouldResemble, payload)
		sum := dw.Sum64()
		So(sum, ShouldNotEqual, 0)

		Convey("digest is a pure function of the bytes", func() {
			dw2 := NewDigestWriter(io.Discard)
			_, err := dw2.Write(payload)
			So(err, ShouldBeNil)
			So(dw2.Sum64(), ShouldEqual, sum)

			dw3 := NewDigestWriter(io.Discard)
			_, err = dw3.Write(payload[:len(payload)-1])
			So(err, ShouldBeNil)
			So(dw3.Sum64(), ShouldNotEqual, sum)
		})

		Convey("verify reader accepts a good payload", func() {
			vr := VerifyReader(bytes.NewReader(payload), sum)
			out, err := io.ReadAll(vr)
			So(err, ShouldBeNil)
			So(out, ShouldResemble, payload)
			So(vr.Close(), ShouldBeNil)
		})

		Convey("verify reader rejects a corrupted payload", func() {
			bad := append([]byte(nil), payload...)
			bad[3] ^= 1
			vr := VerifyReader(bytes.NewReader(bad), sum)
			_, err := io.ReadAll(vr)
			So(err, ShouldBeNil)

			err = vr.Close()
			So(err, ShouldNotBeNil)
			mismatch, ok := err.(*MismatchedChecksumError)
			So(ok, ShouldBeTrue)
			So(mismatch.Nominal, ShouldEqual, sum)
			So(mismatch.Actual, ShouldNotEqual, sum)
		})
	})
}
