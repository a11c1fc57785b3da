// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build rex_orphan

package rex

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Exec-and-orphan strategy: the stub execs the loader directly (no
// resident supervisor), after detaching a tiny reaper process that
// waits for this pid to disappear and then removes the scratch
// directory. The target keeps the stub's pid and has no supervisor
// waiting on it; the reaper is a re-exec of the stub. Not the default.

// reapFlag is the internal argv that turns a stub into a reaper.
const reapFlag = "--rex-reap"

// launchTarget detaches the reaper, then replaces this process with
// the loader. On success it does not return.
func launchTarget(ctx context.Context, scratch string, argv []string) (int, error) {
	cmd := exec.Command(selfExe(), reapFlag, strconv.Itoa(os.Getpid()), scratch)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 1, &ExecFailureError{Path: argv[0], Err: err}
	}
	cmd.Process.Release()

	if err := unix.Exec(argv[0], argv, os.Environ()); err != nil {
		return 1, &ExecFailureError{Path: argv[0], Err: err}
	}
	return 0, nil // unreachable
}

// HandleInternalArgs intercepts the reaper invocation before mode
// dispatch. args is os.Args[1:].
func HandleInternalArgs(args []string) bool {
	if len(args) < 3 || args[0] != reapFlag {
		return false
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return true
	}
	awaitPid(pid)
	os.RemoveAll(args[2])
	return true
}

// awaitPid blocks until pid exits. A pidfd gives a clean blocking
// wait; kernels without pidfd fall back to probing the pid with
// signal 0 every 100ms.
func awaitPid(pid int) {
	if fd, err := unix.PidfdOpen(pid, 0); err == nil {
		defer unix.Close(fd)
		for {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			if _, err := unix.Poll(fds, -1); err != unix.EINTR {
				return
			}
		}
	}
	for {
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
