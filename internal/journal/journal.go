// Package journal mirrors every task transition to an append-only NDJSON
// file. The SQLite store is authoritative; the journal is the greppable audit
// trail.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hermesproj/hermes/internal/task"
)

// Entry is one recorded lifecycle transition
type Entry struct {
	TaskID string      `json:"task_id"`
	From   task.Status `json:"from,omitempty"`
	To     task.Status `json:"to"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
}

// Journal appends entries to an NDJSON file
type Journal struct {
	file   *os.File
	writer *bufio.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the journal file for appending
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// Append writes one entry as a JSON line and flushes it immediately
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal: %w", err)
		}
	}
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// Replay reads back every entry in the journal, in write order
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal journal line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}
