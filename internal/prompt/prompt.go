// Package prompt resolves the per-(annotator,domain) prompt template
// through an ordered list of overlay sources: active-version
// reference, then per-annotator override, then base. The first source
// that exists on disk wins.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ActiveVersions maps "annotator_<i>.<domain>" to a filename under
// versions/annotator_<i>/<domain>/.
type ActiveVersions map[string]string

func loadActiveVersions(root string) ActiveVersions {
	data, err := os.ReadFile(filepath.Join(root, "active_versions.json"))
	if err != nil {
		return ActiveVersions{}
	}
	var av ActiveVersions
	if err := json.Unmarshal(data, &av); err != nil {
		return ActiveVersions{}
	}
	return av
}

// Resolve returns the raw template text for (annotatorID, domain),
// trying active-version, then override, then base, in that order. The
// first source that exists on disk wins.
func Resolve(root string, annotatorID int, domain string) (string, error) {
	av := loadActiveVersions(root)
	key := fmt.Sprintf("annotator_%d.%s", annotatorID, domain)
	if filename, ok := av[key]; ok && filename != "" {
		path := filepath.Join(root, "versions", fmt.Sprintf("annotator_%d", annotatorID), domain, filename)
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	overridePath := filepath.Join(root, "overrides", fmt.Sprintf("annotator_%d", annotatorID), domain+".txt")
	if data, err := os.ReadFile(overridePath); err == nil {
		return string(data), nil
	}

	basePath := filepath.Join(root, "base", domain+".txt")
	data, err := os.ReadFile(basePath)
	if err != nil {
		return "", fmt.Errorf("prompt: no template found for annotator %d domain %s (tried active version, override, base %s)", annotatorID, domain, basePath)
	}
	return string(data), nil
}

// Render substitutes the sample text into template's single
// interpolation point, "{text}" — kept as a plain placeholder rather
// than a text/template site, since the template files are hand-
// authored prose the prompt engineer edits directly.
func Render(template, sampleText string) string {
	return strings.ReplaceAll(template, "{text}", sampleText)
}
