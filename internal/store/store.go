// Package store is the durable record of every task and its lifecycle state.
// It is backed by SQLite; each status change is validated against the task
// state machine, applied atomically, and appended to an ordered transitions
// table so the exact last-known state can be reconstructed after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hermesproj/hermes/internal/journal"
	"github.com/hermesproj/hermes/internal/task"
)

// timeFmt is RFC3339 with fixed-width nanoseconds so stored timestamps sort
// lexicographically in creation order.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	natural_key     TEXT NOT NULL,
	source_channel  TEXT NOT NULL,
	reply_target    TEXT NOT NULL,
	raw_text        TEXT NOT NULL,
	refined_prompt  TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	finished_at     TEXT,
	result_json     TEXT,
	error_detail    TEXT NOT NULL DEFAULT '',
	reply_delivered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_natural_key ON tasks(natural_key, created_at);

CREATE TABLE IF NOT EXISTS transitions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	at          TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id, seq);
`

// Transition is one row of the ordered transition record
type Transition struct {
	Seq    int64
	TaskID string
	From   task.Status
	To     task.Status
	At     time.Time
	Note   string
}

// Store persists tasks and their lifecycle transitions
type Store struct {
	db          *sql.DB
	dedupWindow time.Duration
	journal     *journal.Journal
	logger      *slog.Logger
}

// Open opens (or creates) the task database at path and ensures the schema
// exists. dedupWindow bounds how long a request with the same natural key is
// still considered a transport-level redelivery.
func Open(path string, dedupWindow time.Duration, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	// The dispatcher, adapters and reply router all touch the store; a single
	// connection sidesteps SQLite writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:          db,
		dedupWindow: dedupWindow,
		logger:      logger,
	}, nil
}

// SetJournal attaches an NDJSON journal that mirrors every create/update
func (s *Store) SetJournal(j *journal.Journal) {
	s.journal = j
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new task in the Received state. It returns
// task.ErrDuplicateRequest when a task with the same natural key was created
// inside the dedup window.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	key := task.NaturalKey(t.SourceChannel, t.ReplyTarget, t.RawText)
	windowStart := t.CreatedAt.Add(-s.dedupWindow).Format(timeFmt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE natural_key = ? AND created_at >= ? LIMIT 1`,
		key, windowStart).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("%w: matches task %s", task.ErrDuplicateRequest, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check for duplicates: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, natural_key, source_channel, reply_target, raw_text, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, key, string(t.SourceChannel), t.ReplyTarget, t.RawText,
		string(t.Status), t.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := s.appendTransition(ctx, tx, t.ID, "", t.Status, t.CreatedAt, "created"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task creation: %w", err)
	}

	s.mirror(journal.Entry{TaskID: t.ID, To: t.Status, At: t.CreatedAt, Note: "created"})
	return nil
}

// Update moves a task to a new status, applying mutate to the record before
// it is written. The transition is validated against the state machine and
// persisted atomically together with its transition row. Returns the updated
// task.
func (s *Store) Update(ctx context.Context, id string, to task.Status, note string, mutate func(*task.Task)) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	from := t.Status
	if !task.CanTransition(from, to) {
		return nil, &task.InvalidTransitionError{TaskID: id, From: from, To: to}
	}

	t.Status = to
	if mutate != nil {
		mutate(t)
	}

	now := time.Now().UTC()
	var resultJSON sql.NullString
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result summary: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, refined_prompt = ?, started_at = ?, finished_at = ?,
		 result_json = ?, error_detail = ? WHERE id = ?`,
		string(t.Status), t.RefinedPrompt,
		nullTime(t.StartedAt), nullTime(t.FinishedAt),
		resultJSON, t.ErrorDetail, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if err := s.appendTransition(ctx, tx, id, from, to, now, note); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.mirror(journal.Entry{TaskID: id, From: from, To: to, At: now, Note: note})
	return t, nil
}

// Get returns the task with the given id, or task.ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	return s.getTx(ctx, tx, id)
}

// ListByStatus returns tasks in any of the given statuses, FIFO by creation
func (s *Store) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC, id ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Recover returns every task left in a non-terminal state, FIFO by creation.
// Called once by the dispatcher at startup.
func (s *Store) Recover(ctx context.Context) ([]*task.Task, error) {
	return s.ListByStatus(ctx,
		task.StatusReceived, task.StatusRefining, task.StatusQueued,
		task.StatusExecuting, task.StatusTimedOutVerifying)
}

// ListUndelivered returns terminal tasks whose reply has not been delivered,
// FIFO by creation. These are replays for the reply router after a crash.
func (s *Store) ListUndelivered(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		 WHERE status IN (?, ?, ?) AND reply_delivered = 0
		 ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query,
		string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusRefineFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// List returns the most recently created tasks, newest first
func (s *Store) List(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkReplyDelivered sets the delivered marker on a terminal task
func (s *Store) MarkReplyDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET reply_delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark reply delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

// Transitions returns the ordered transition history of a task
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, task_id, from_status, to_status, at, note
		 FROM transitions WHERE task_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to, at string
		if err := rows.Scan(&tr.Seq, &tr.TaskID, &from, &to, &at, &tr.Note); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From = task.Status(from)
		tr.To = task.Status(to)
		tr.At, err = time.Parse(timeFmt, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transition time: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) appendTransition(ctx context.Context, tx *sql.Tx, id string, from, to task.Status, at time.Time, note string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (task_id, from_status, to_status, at, note) VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), at.Format(timeFmt), note)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// mirror writes the transition to the NDJSON journal; the SQLite row is
// already durable, so a journal failure is logged rather than propagated.
func (s *Store) mirror(e journal.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(e); err != nil {
		s.logger.Warn("failed to mirror transition to journal", "task_id", e.TaskID, "error", err)
	}
}

const taskColumns = `id, source_channel, reply_target, raw_text, refined_prompt,
	status, created_at, started_at, finished_at, result_json, error_detail, reply_delivered`

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (*task.Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var channel, createdAt string
	var startedAt, finishedAt, resultJSON sql.NullString
	var delivered int

	err := row.Scan(&t.ID, &channel, &t.ReplyTarget, &t.RawText, &t.RefinedPrompt,
		(*string)(&t.Status), &createdAt, &startedAt, &finishedAt, &resultJSON,
		&t.ErrorDetail, &delivered)
	if err != nil {
		return nil, err
	}

	t.SourceChannel = task.Channel(channel)
	t.ReplyDelivered = delivered != 0

	if t.CreatedAt, err = time.Parse(timeFmt, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	if resultJSON.Valid {
		var summary task.ResultSummary
		if err := json.Unmarshal([]byte(resultJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result summary: %w", err)
		}
		t.Result = &summary
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFmt), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeFmt, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
