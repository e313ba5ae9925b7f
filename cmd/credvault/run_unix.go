//go:build !windows

package main

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalsToNotify returns the signals forwarded to the child.
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}

func terminateSignal() os.Signal {
	return syscall.SIGTERM
}

// disableCoreDumps sets RLIMIT_CORE to 0 for this process and its children.
func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

// signalExitCode reports 128+N for a child killed by signal N.
func signalExitCode(state *os.ProcessState) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return ExitSignalBase + int(ws.Signal()), true
}
