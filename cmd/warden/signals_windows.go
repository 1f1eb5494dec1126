//go:build windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Windows
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// isReloadSignal always reports false; Windows has no SIGHUP equivalent.
func isReloadSignal(os.Signal) bool {
	return false
}
