//go:build windows

package main

import "os"

// signalsToNotify returns the signals forwarded to the child. Only Ctrl+C
// exists on Windows.
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// terminateSignal is os.Kill; Windows has no SIGTERM.
func terminateSignal() os.Signal {
	return os.Kill
}

// disableCoreDumps is a no-op. Windows Error Reporting does not use
// RLIMIT_CORE.
func disableCoreDumps() error {
	return nil
}

func signalExitCode(*os.ProcessState) (int, bool) {
	return 0, false
}
