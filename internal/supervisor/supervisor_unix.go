//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// applyProcessGroup puts the spawned worker in its own process group
// so a forced stop can kill the worker and anything it forked in one
// signal.
func applyProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessGroup force-terminates the worker's whole process group,
// falling back to the single pid if the group signal fails (the
// process may have escaped its group or already be reaped).
func killProcessGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
