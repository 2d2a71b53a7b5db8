package journal

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesproj/hermes/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	jnl, err := Open(path, testLogger())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, jnl.Append(Entry{TaskID: "task-1", To: task.StatusReceived, At: now, Note: "created"}))
	require.NoError(t, jnl.Append(Entry{TaskID: "task-1", From: task.StatusReceived, To: task.StatusRefining, At: now}))
	require.NoError(t, jnl.Append(Entry{TaskID: "task-2", To: task.StatusReceived, At: now, Note: "created"}))
	require.NoError(t, jnl.Close())

	entries, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, task.StatusReceived, entries[0].To)
	assert.Equal(t, "created", entries[0].Note)

	assert.Equal(t, task.StatusReceived, entries[1].From)
	assert.Equal(t, task.StatusRefining, entries[1].To)

	assert.Equal(t, "task-2", entries[2].TaskID)
}

func TestAppendAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	jnl, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, jnl.Append(Entry{TaskID: "task-1", To: task.StatusReceived, At: time.Now().UTC()}))
	require.NoError(t, jnl.Close())

	jnl, err = Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, jnl.Append(Entry{TaskID: "task-2", To: task.StatusReceived, At: time.Now().UTC()}))
	require.NoError(t, jnl.Close())

	entries, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, "task-2", entries[1].TaskID)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "deep", "journal.ndjson")

	jnl, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, jnl.Close())
}

func TestReplayMissingFile(t *testing.T) {
	_, err := Replay(filepath.Join(t.TempDir(), "nope.ndjson"))
	assert.Error(t, err)
}
