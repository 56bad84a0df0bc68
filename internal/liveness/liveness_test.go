package liveness

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessAliveRejectsBadPids(t *testing.T) {
	assert.False(t, ProcessAlive(0, 1, "urgency"))
	assert.False(t, ProcessAlive(-7, 1, "urgency"))
	// A pid far beyond the default pid_max cannot exist.
	assert.False(t, ProcessAlive(1<<22, 1, "urgency"))
}

func TestProcessAliveRejectsPidReuse(t *testing.T) {
	// Our own pid is certainly alive, but its command line is the test
	// binary, not the worker entry point with matching arguments, so
	// the cmdline check must reject it on Linux. On other platforms the
	// zero-signal fallback accepts any live pid, so only assert the
	// strict behavior where /proc is available.
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("no /proc; cmdline verification not available")
	}
	assert.False(t, ProcessAlive(os.Getpid(), 1, "urgency"))
}
