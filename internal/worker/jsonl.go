package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ps-research/M-Heath-Annotator/internal/fsutil"
)

// AnnotationLine is one line of the optional on-disk JSONL mirror,
// append-only per worker. The store remains the source of truth; this
// file exists for external tooling that wants to tail a worker's
// output without querying the database.
type AnnotationLine struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Response      string `json:"response"`
	Label         string `json:"label"`
	Malformed     bool   `json:"malformed"`
	ParsingError  string `json:"parsing_error,omitempty"`
	ValidityError string `json:"validity_error,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// JSONLWriter appends AnnotationLine rows to a single file, one JSON
// object per line, opening, appending, and syncing per record.
type JSONLWriter struct {
	mu   sync.Mutex
	path string
}

// NewJSONLWriter ensures the parent directory exists and returns a
// writer for path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &JSONLWriter{path: path}, nil
}

// Append writes one line, flushing immediately so a crash loses at
// most the in-flight write.
func (w *JSONLWriter) Append(line AnnotationLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("jsonl: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	return f.Sync()
}
