//go:build !windows

package supervisor

import (
	"os/exec"
	"strings"
)

// shellCommand wraps a command in the platform shell invocation form.
func shellCommand(command string, args []string) *exec.Cmd {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return exec.Command("/bin/sh", "-c", strings.Join(parts, " "))
}

// shellQuote single-quotes an argument for POSIX sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]#~%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
