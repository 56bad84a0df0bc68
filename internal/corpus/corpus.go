// Package corpus loads the fixed, ordered sample source: a CSV or
// JSONL file producing a sequence of (id, text) records, indexed by
// position and immutable during a run.
package corpus

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sample is one (id, text) record.
type Sample struct {
	ID   string
	Text string
}

// Corpus is the immutable, position-indexed sequence of samples for
// one run.
type Corpus struct {
	samples []Sample
}

// Load reads path as CSV (default) or JSONL (by extension). Rows
// with a blank id or empty text are dropped; ids are stringified.
func Load(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return loadJSONL(f, path)
	default:
		return loadCSV(f, path)
	}
}

func loadCSV(f *os.File, path string) (*Corpus, error) {
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("corpus: read header: %w", err)
	}
	idCol, textCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if idCol < 0 || textCol < 0 {
		return nil, fmt.Errorf("corpus: %s missing id/text columns", path)
	}

	var samples []Sample
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corpus: read row: %w", err)
		}
		if idCol >= len(row) || textCol >= len(row) {
			continue
		}
		id := strings.TrimSpace(row[idCol])
		text := strings.TrimSpace(row[textCol])
		if id == "" || text == "" {
			continue
		}
		samples = append(samples, Sample{ID: id, Text: text})
	}

	return &Corpus{samples: samples}, nil
}

// loadJSONL decodes one {"id": ..., "text": ...} object per line. An
// id of any JSON scalar type is stringified.
func loadJSONL(f *os.File, path string) (*Corpus, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var samples []Sample
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row struct {
			ID   json.RawMessage `json:"id"`
			Text string          `json:"text"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("corpus: %s line %d: %w", path, lineNo, err)
		}
		id := stringifyID(row.ID)
		text := strings.TrimSpace(row.Text)
		if id == "" || text == "" {
			continue
		}
		samples = append(samples, Sample{ID: id, Text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus: scan %s: %w", path, err)
	}
	return &Corpus{samples: samples}, nil
}

func stringifyID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}
	return ""
}

// At returns the sample at position n, and false if n is beyond the
// end of the corpus.
func (c *Corpus) At(n int) (Sample, bool) {
	if n < 0 || n >= len(c.samples) {
		return Sample{}, false
	}
	return c.samples[n], true
}

// Len returns the total number of samples.
func (c *Corpus) Len() int { return len(c.samples) }
