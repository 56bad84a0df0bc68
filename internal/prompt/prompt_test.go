package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolveBaseOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "urgency.txt"), "base: {text}")

	got, err := Resolve(root, 2, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "base: {text}", got)
}

func TestResolveOverrideBeatsBase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "urgency.txt"), "base: {text}")
	writeFile(t, filepath.Join(root, "overrides", "annotator_2", "urgency.txt"), "override: {text}")

	got, err := Resolve(root, 2, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "override: {text}", got)

	// Another annotator still resolves to base.
	got, err = Resolve(root, 1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "base: {text}", got)
}

func TestResolveActiveVersionWins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "urgency.txt"), "base: {text}")
	writeFile(t, filepath.Join(root, "overrides", "annotator_2", "urgency.txt"), "override: {text}")
	writeFile(t, filepath.Join(root, "versions", "annotator_2", "urgency", "v3_tuned_20240110.txt"), "versioned: {text}")
	writeFile(t, filepath.Join(root, "active_versions.json"), `{"annotator_2.urgency": "v3_tuned_20240110.txt"}`)

	got, err := Resolve(root, 2, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "versioned: {text}", got)
}

func TestResolveDanglingActiveVersionFallsThrough(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "urgency.txt"), "base: {text}")
	writeFile(t, filepath.Join(root, "active_versions.json"), `{"annotator_2.urgency": "missing.txt"}`)

	got, err := Resolve(root, 2, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "base: {text}", got)
}

func TestResolveNothingFound(t *testing.T) {
	_, err := Resolve(t.TempDir(), 1, "urgency")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Label this: hello", Render("Label this: {text}", "hello"))
	assert.Equal(t, "no site", Render("no site", "hello"))
}
