//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func applyProcessGroup(cmd *exec.Cmd) {
	// No process groups on Windows; the single-process kill below is
	// the best available equivalent.
}

func killProcessGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
