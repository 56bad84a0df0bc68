package control

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReadClear(t *testing.T) {
	dir := t.TempDir()

	_, present, err := Read(dir, 1, "urgency")
	require.NoError(t, err)
	assert.False(t, present, "no signal before Send")

	require.NoError(t, Send(dir, 1, "urgency", CommandPause))

	sig, present, err := Read(dir, 1, "urgency")
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, CommandPause, sig.Command)
	assert.NotEmpty(t, sig.Timestamp)

	// A different pair does not see the signal.
	_, present, err = Read(dir, 2, "urgency")
	require.NoError(t, err)
	assert.False(t, present)

	Clear(dir, 1, "urgency")
	_, present, err = Read(dir, 1, "urgency")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestSendOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Send(dir, 3, "intensity", CommandPause))
	require.NoError(t, Send(dir, 3, "intensity", CommandStop))

	sig, present, err := Read(dir, 3, "intensity")
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, CommandStop, sig.Command)
}

func TestReadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, 1, "adjunct"), []byte("oops"), 0o644))

	_, present, err := Read(dir, 1, "adjunct")
	require.NoError(t, err)
	assert.False(t, present, "malformed signal reads as absent")
}
