//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// isReloadSignal reports whether the signal asks for a config reload rather
// than a shutdown.
func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}
