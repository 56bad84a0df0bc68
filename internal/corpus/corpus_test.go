package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeCorpus(t, "samples.csv", "id,text\ns1,first\ns2,second\n")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	s, ok := c.At(0)
	require.True(t, ok)
	assert.Equal(t, Sample{ID: "s1", Text: "first"}, s)

	s, ok = c.At(1)
	require.True(t, ok)
	assert.Equal(t, "s2", s.ID)

	_, ok = c.At(2)
	assert.False(t, ok, "past the end")
	_, ok = c.At(-1)
	assert.False(t, ok)
}

func TestLoadCSVFiltersBlankRows(t *testing.T) {
	path := writeCorpus(t, "samples.csv", "id,text\ns1,first\n,\ns3,   \n ,third\ns5,fifth\n")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	first, _ := c.At(0)
	second, _ := c.At(1)
	assert.Equal(t, "s1", first.ID)
	assert.Equal(t, "s5", second.ID)
}

func TestLoadCSVExtraColumns(t *testing.T) {
	path := writeCorpus(t, "samples.csv", "split,text,id\ntrain,hello,s9\n")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	s, _ := c.At(0)
	assert.Equal(t, Sample{ID: "s9", Text: "hello"}, s)
}

func TestLoadCSVMissingColumns(t *testing.T) {
	path := writeCorpus(t, "samples.csv", "foo,bar\n1,2\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadJSONL(t *testing.T) {
	path := writeCorpus(t, "samples.jsonl",
		`{"id": "s1", "text": "first"}
{"id": 42, "text": "numeric id"}

{"id": null, "text": "dropped"}
{"id": "s4", "text": ""}
{"id": "s5", "text": "fifth"}
`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	first, _ := c.At(0)
	second, _ := c.At(1)
	third, _ := c.At(2)
	assert.Equal(t, "s1", first.ID)
	assert.Equal(t, "42", second.ID)
	assert.Equal(t, "s5", third.ID)
}

func TestLoadJSONLMalformedLine(t *testing.T) {
	path := writeCorpus(t, "samples.jsonl", `{"id": "s1", "text": "ok"}
{broken`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}
