// Package control implements the control-signal file convention:
// control/annotator_<a>_<d>.json carries {command, timestamp} from
// the supervisor to a worker.
package control

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ps-research/M-Heath-Annotator/internal/fsutil"
)

type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
)

type Signal struct {
	Command   Command `json:"command"`
	Timestamp string  `json:"timestamp"`
}

// Path returns the control-file path for (annotatorID, domain) under
// the given control directory.
func Path(controlDir string, annotatorID int, domain string) string {
	return filepath.Join(controlDir, fmt.Sprintf("annotator_%d_%s.json", annotatorID, domain))
}

// Send atomically writes a control signal for (annotatorID, domain).
func Send(controlDir string, annotatorID int, domain string, cmd Command) error {
	sig := Signal{Command: cmd, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	return fsutil.AtomicWriteJSON(Path(controlDir, annotatorID, domain), sig)
}

// Read returns the pending signal, if any. A missing file is not an
// error: it means "no pending command".
func Read(controlDir string, annotatorID int, domain string) (Signal, bool, error) {
	var sig Signal
	ok, err := fsutil.ReadJSON(Path(controlDir, annotatorID, domain), &sig)
	if err != nil {
		return Signal{}, false, err
	}
	return sig, ok, nil
}

// Clear removes the control file, best-effort.
func Clear(controlDir string, annotatorID int, domain string) {
	fsutil.RemoveBestEffort(Path(controlDir, annotatorID, domain))
}
