package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesproj/hermes/internal/journal"
	"github.com/hermesproj/hermes/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "tasks.db"), 10*time.Minute, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTask(text string) *task.Task {
	return task.New(task.IncomingRequest{
		SourceChannel: task.ChannelMail,
		ReplyTarget:   "user@example.com",
		RawText:       text,
	})
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created := newTask("run the nightly build")
	require.NoError(t, st.Create(ctx, created))

	got, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.StatusReceived, got.Status)
	assert.Equal(t, "run the nightly build", got.RawText)
	assert.Equal(t, task.ChannelMail, got.SourceChannel)
	assert.False(t, got.ReplyDelivered)
}

func TestGetNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.Get(context.Background(), "task-nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestCreateDuplicateInsideWindow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := newTask("same instruction")
	require.NoError(t, st.Create(ctx, first))

	second := newTask("same instruction")
	err := st.Create(ctx, second)
	assert.ErrorIs(t, err, task.ErrDuplicateRequest)

	// The duplicate must not have been inserted
	_, err = st.Get(ctx, second.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestCreateDuplicateOutsideWindow(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "tasks.db"), time.Minute, testLogger())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	old := newTask("same instruction")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, st.Create(ctx, old))

	fresh := newTask("same instruction")
	assert.NoError(t, st.Create(ctx, fresh))
}

func TestDifferentSendersAreNotDuplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := newTask("deploy to staging")
	require.NoError(t, st.Create(ctx, a))

	b := task.New(task.IncomingRequest{
		SourceChannel: task.ChannelMail,
		ReplyTarget:   "other@example.com",
		RawText:       "deploy to staging",
	})
	assert.NoError(t, st.Create(ctx, b))
}

func TestUpdateAppliesMutation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk := newTask("write a changelog")
	require.NoError(t, st.Create(ctx, tk))

	updated, err := st.Update(ctx, tk.ID, task.StatusRefining, "", nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRefining, updated.Status)

	updated, err = st.Update(ctx, tk.ID, task.StatusQueued, "", func(t *task.Task) {
		t.RefinedPrompt = "Write a changelog for the current release."
	})
	require.NoError(t, err)
	assert.Equal(t, "Write a changelog for the current release.", updated.RefinedPrompt)

	// Mutation must be durable, not just on the returned copy
	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, "Write a changelog for the current release.", got.RefinedPrompt)
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk := newTask("illegal move")
	require.NoError(t, st.Create(ctx, tk))

	_, err := st.Update(ctx, tk.ID, task.StatusCompleted, "", nil)
	var invalid *task.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, task.StatusReceived, invalid.From)
	assert.Equal(t, task.StatusCompleted, invalid.To)

	// Status unchanged after the rejected update
	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReceived, got.Status)
}

func TestUpdatePersistsResultSummary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk := newTask("produce output")
	require.NoError(t, st.Create(ctx, tk))
	advance(t, st, tk.ID, task.StatusRefining, task.StatusQueued, task.StatusExecuting)

	finished := time.Now().UTC()
	_, err := st.Update(ctx, tk.ID, task.StatusCompleted, "agent exited 0", func(t *task.Task) {
		t.FinishedAt = &finished
		t.Result = &task.ResultSummary{
			Output:       "all done",
			ChangedFiles: []string{"a.go", "b.go"},
		}
	})
	require.NoError(t, err)

	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "all done", got.Result.Output)
	assert.Equal(t, []string{"a.go", "b.go"}, got.Result.ChangedFiles)
	require.NotNil(t, got.FinishedAt)
}

func TestRecoverReturnsNonTerminalFIFO(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i, text := range []string{"first", "second", "third"} {
		tk := newTask(text)
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.Create(ctx, tk))
		ids = append(ids, tk.ID)
	}

	// Drive the second task to a terminal state
	advance(t, st, ids[1], task.StatusRefining, task.StatusQueued, task.StatusExecuting, task.StatusFailed)

	pending, err := st.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)
}

func TestListUndeliveredAndMarkDelivered(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk := newTask("needs a reply")
	require.NoError(t, st.Create(ctx, tk))
	advance(t, st, tk.ID, task.StatusRefining, task.StatusQueued, task.StatusExecuting, task.StatusCompleted)

	undelivered, err := st.ListUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, tk.ID, undelivered[0].ID)

	require.NoError(t, st.MarkReplyDelivered(ctx, tk.ID))

	undelivered, err = st.ListUndelivered(ctx)
	require.NoError(t, err)
	assert.Empty(t, undelivered)

	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, got.ReplyDelivered)
}

func TestMarkReplyDeliveredUnknownTask(t *testing.T) {
	st := openTestStore(t)
	err := st.MarkReplyDelivered(context.Background(), "task-missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestTransitionsRecordFullHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk := newTask("track me")
	require.NoError(t, st.Create(ctx, tk))
	advance(t, st, tk.ID, task.StatusRefining, task.StatusQueued, task.StatusExecuting, task.StatusCompleted)

	history, err := st.Transitions(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)

	assert.Equal(t, task.Status(""), history[0].From)
	assert.Equal(t, task.StatusReceived, history[0].To)
	assert.Equal(t, "created", history[0].Note)
	assert.Equal(t, task.StatusCompleted, history[4].To)

	// Sequence numbers strictly increase
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Seq, history[i-1].Seq)
	}
}

func TestJournalMirrorsTransitions(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "tasks.db"), 10*time.Minute, testLogger())
	require.NoError(t, err)
	defer st.Close()

	journalPath := filepath.Join(dir, "journal.ndjson")
	jnl, err := journal.Open(journalPath, testLogger())
	require.NoError(t, err)
	st.SetJournal(jnl)

	ctx := context.Background()
	tk := newTask("mirror me")
	require.NoError(t, st.Create(ctx, tk))
	_, err = st.Update(ctx, tk.ID, task.StatusRefining, "", nil)
	require.NoError(t, err)
	require.NoError(t, jnl.Close())

	entries, err := journal.Replay(journalPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tk.ID, entries[0].TaskID)
	assert.Equal(t, task.StatusReceived, entries[0].To)
	assert.Equal(t, task.StatusRefining, entries[1].To)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")
	ctx := context.Background()

	st, err := Open(path, 10*time.Minute, testLogger())
	require.NoError(t, err)

	tk := newTask("persist across restart")
	require.NoError(t, st.Create(ctx, tk))
	_, err = st.Update(ctx, tk.ID, task.StatusRefining, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(path, 10*time.Minute, testLogger())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRefining, got.Status)

	pending, err := st.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tk.ID, pending[0].ID)
}

// advance walks a task through the given statuses in order
func advance(t *testing.T, st *Store, id string, statuses ...task.Status) {
	t.Helper()
	for _, status := range statuses {
		_, err := st.Update(context.Background(), id, status, "", nil)
		require.NoError(t, err)
	}
}
