//go:build windows

package supervisor

import (
	"os/exec"
	"strings"
)

// shellCommand wraps a command in the platform shell invocation form.
func shellCommand(command string, args []string) *exec.Cmd {
	parts := append([]string{command}, args...)
	return exec.Command("cmd", "/C", strings.Join(parts, " "))
}
