// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rexdata

import (
	"bytes"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"
)

// bundleImage assembles stub ‖ payload ‖ footer for decode tests.
func bundleImage(stub, payload []byte, f *Footer) []byte {
	buf := &bytes.Buffer{}
	buf.Write(stub)
	buf.Write(payload)
	if err := f.Encode(buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestFooter(t *testing.T) {
	t.Parallel()

	Convey("Footer", t, func() {
		f := &Footer{
			FormatVersion:    FormatVersion,
			Arch:             ArchX86_64,
			PayloadOffset:    100,
			PayloadSize:      200,
			UncompressedSize: 300,
			TargetName:       "app",
			Checksum:         0xdeadbeef,
		}

		Convey("encode", func() {
			buf := &bytes.Buffer{}
			So(f.Encode(buf), ShouldBeNil)
			So(buf.Bytes(), ShouldResemble, []byte{
				'R', 'E', 'X', 0, 'B', 'N', 'D', '1', // magic
				1, 0, // format_version
				1, 0, // arch_tag
				100, 0, 0, 0, 0, 0, 0, 0, // payload_offset
				200, 0, 0, 0, 0, 0, 0, 0, // payload_size
				44, 1, 0, 0, 0, 0, 0, 0, // uncompressed_size
				3, 0, // target_name_len
				'a', 'p', 'p', // target_name
				0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0, // checksum
				53, 0, 0, 0, // footer_total_len
			})
			So(buf.Len(), ShouldEqual, f.Len())
		})

		Convey("encode rejects bad names", func() {
			f.TargetName = ""
			So(f.Encode(&bytes.Buffer{}), ShouldErrLike, "bad target name length")

			f.TargetName = string([]byte{0xff, 0xfe})
			So(f.Encode(&bytes.Buffer{}), ShouldErrLike, "not valid UTF-8")
		})

		Convey("decode", func() {
			img := bundleImage(make([]byte, 100), make([]byte, 200), f)

			Convey("round trip", func() {
				got, err := DecodeFromTail(bytes.NewReader(img))
				So(err, ShouldBeNil)
				So(got, ShouldResemble, f)
			})

			Convey("offsets must account for the whole file", func() {
				// An extra trailing byte shifts the total-length field, so
				// no footer is found at all.
				_, err := DecodeFromTail(bytes.NewReader(append(img, 0)))
				So(err, ShouldErrLike, ErrNotABundle)

				// A vanished byte before the footer (here the last stub
				// byte) breaks the size identity.
				short := append([]byte(nil), img[:99]...)
				short = append(short, img[100:]...)
				_, err = DecodeFromTail(bytes.NewReader(short))
				So(err, ShouldErrLike, ErrTruncated)
			})

			Convey("corrupt tail is not a bundle", func() {
				for i := len(img) - 16; i < len(img); i++ {
					img[i] ^= 0xa5
				}
				_, err := DecodeFromTail(bytes.NewReader(img))
				So(err, ShouldNotBeNil)
				So(errors.Is(err, ErrNotABundle) || errors.Is(err, ErrTruncated), ShouldBeTrue)
			})

			Convey("plain files are not bundles", func() {
				_, err := DecodeFromTail(bytes.NewReader([]byte("#!/bin/sh\necho hi\n")))
				So(err, ShouldErrLike, ErrNotABundle)

				_, err = DecodeFromTail(bytes.NewReader(nil))
				So(err, ShouldErrLike, ErrNotABundle)
			})

			Convey("newer versions are rejected", func() {
				f.FormatVersion = 2
				img := bundleImage(make([]byte, 100), make([]byte, 200), f)
				_, err := DecodeFromTail(bytes.NewReader(img))
				So(err, ShouldErrLike, ErrUnsupportedVersion)
			})

			Convey("foreign arch tags are rejected", func() {
				f.Arch = 7
				img := bundleImage(make([]byte, 100), make([]byte, 200), f)
				_, err := DecodeFromTail(bytes.NewReader(img))
				So(err, ShouldErrLike, ErrArchMismatch)
			})
		})
	})
}
