// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !rex_orphan

package rex

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fork-supervise strategy: the stub stays resident as a supervisor,
// the loader runs as its child in a fresh process group. The
// supervisor forwards the first SIGINT/SIGTERM to the group; a second
// signal gives up on graceful shutdown and takes the group down hard.
// Either way the supervisor outlives the child, which is what makes
// scratch cleanup (the caller's deferred remove) unconditional.

// launchTarget runs argv and blocks until the child exits. It returns
// the child's exit status, or *ChildSignalledError if the child died
// from a signal.
func launchTarget(ctx context.Context, scratch string, argv []string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 1, &ExecFailureError{Path: argv[0], Err: err}
	}
	pgid := cmd.Process.Pid

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		forwarded := false
		for {
			select {
			case sig := <-sigCh:
				s, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				if !forwarded {
					forwarded = true
					unix.Kill(-pgid, s)
				} else {
					unix.Kill(-pgid, unix.SIGKILL)
				}
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)

	if cmd.ProcessState == nil {
		return 1, &ExecFailureError{Path: argv[0], Err: err}
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		if err != nil {
			return 1, &ExecFailureError{Path: argv[0], Err: err}
		}
		return 0, nil
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), &ChildSignalledError{Signo: ws.Signal()}
	}
	return ws.ExitStatus(), nil
}

// HandleInternalArgs is the hook for strategy-private argv, consulted
// by main before anything else; the fork-supervise build has none.
func HandleInternalArgs(args []string) bool {
	return false
}
