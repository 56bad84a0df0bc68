// Package liveness implements the process-liveness check: given
// (pid, annotator, domain), verify the process is not just alive but
// is actually the worker that was registered (defense against PID
// reuse), by inspecting /proc/<pid>/cmdline, falling back to a
// zero-signal probe via gopsutil where /proc is unavailable.
package liveness

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// ProcessAlive reports whether pid is running and its command line
// matches the worker entry point for (annotatorID, domain).
func ProcessAlive(pid, annotatorID int, domain string) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" {
		if ok, matched := checkProcCmdline(pid, annotatorID, domain); matched {
			return ok
		}
	}
	return zeroSignalProbe(pid)
}

// checkProcCmdline reads /proc/<pid>/cmdline. The second return value
// reports whether the check was actually performed (false on
// non-Linux or if /proc is missing), so callers can fall back.
func checkProcCmdline(pid, annotatorID int, domain string) (alive bool, matched bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false, false
	}
	args := strings.Split(string(data), "\x00")
	joined := strings.Join(args, " ")

	hasWorker := strings.Contains(joined, "annotator-worker")
	hasAnnotator := strings.Contains(joined, "--annotator "+strconv.Itoa(annotatorID)) ||
		strings.Contains(joined, "--annotator="+strconv.Itoa(annotatorID))
	hasDomain := strings.Contains(joined, "--domain "+domain) ||
		strings.Contains(joined, "--domain="+domain)

	return hasWorker && hasAnnotator && hasDomain, true
}

// zeroSignalProbe checks only that a process with this pid currently
// exists, tolerating the PID-reuse race the /proc check above avoids.
func zeroSignalProbe(pid int) bool {
	running, err := gopsprocess.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}
