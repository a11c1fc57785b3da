// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !rexdebug

package rex

// debugExtractEnabled gates the --rex-extract escape hatch; release
// stubs forward every argument to the target, reserved flags included.
const debugExtractEnabled = false
