// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build rexdebug

package rex

// debugExtractEnabled turns --rex-extract into a request to unpack the
// bundle into the working directory and exit: no scratch directory, no
// exec, no cleanup. Debug builds only; the flag is consumed before
// argument forwarding.
const debugExtractEnabled = true
