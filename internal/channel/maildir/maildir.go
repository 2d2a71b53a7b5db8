// Package maildir is the mail channel adapter. Incoming messages are JSON
// files dropped into an inbox directory by the mail pipeline; replies are
// written to an outbox the pipeline sends from. The IMAP/SMTP protocol work
// lives outside the engine, behind these two directories.
package maildir

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hermesproj/hermes/internal/channel"
	"github.com/hermesproj/hermes/internal/fsutil"
	"github.com/hermesproj/hermes/internal/task"
)

// processedSuffix marks inbox files the adapter has already turned into
// requests; it is the adapter's transport-level cursor.
const processedSuffix = ".processed"

// Message is the normalized shape of one inbox file
type Message struct {
	From    string `json:"from"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// reply is what gets written to the outbox
type reply struct {
	To     string    `json:"to"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Adapter watches an inbox directory and emits incoming requests
type Adapter struct {
	inboxDir     string
	outboxDir    string
	pollInterval time.Duration
	logger       *slog.Logger
	requests     chan task.IncomingRequest
}

// New creates a maildir adapter. pollInterval is the fallback scan cadence
// for filesystems where fsnotify events are unreliable.
func New(inboxDir, outboxDir string, pollInterval time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{
		inboxDir:     inboxDir,
		outboxDir:    outboxDir,
		pollInterval: pollInterval,
		logger:       logger,
		requests:     make(chan task.IncomingRequest, 16),
	}
}

// Channel identifies this adapter as the mail transport
func (a *Adapter) Channel() task.Channel {
	return task.ChannelMail
}

// Requests returns the stream of normalized incoming requests
func (a *Adapter) Requests() <-chan task.IncomingRequest {
	return a.requests
}

// Start begins watching the inbox. It returns after launching the listen
// loop; the loop runs until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.inboxDir, 0700); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := os.MkdirAll(a.outboxDir, 0700); err != nil {
		return fmt.Errorf("failed to create outbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := watcher.Add(a.inboxDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	go a.listen(ctx, watcher)
	return nil
}

func (a *Adapter) listen(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer close(a.requests)

	// Drain anything that arrived while we were down
	a.scan(ctx)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				a.scan(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("inbox watcher error", "error", err)
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

// scan picks up unprocessed inbox files in name order (the mail pipeline
// names files by arrival, so name order is delivery order)
func (a *Adapter) scan(ctx context.Context) {
	entries, err := os.ReadDir(a.inboxDir)
	if err != nil {
		a.logger.Warn("failed to read inbox", "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, processedSuffix) {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(a.inboxDir, name)
		msg, err := readMessage(path)
		if err != nil {
			a.logger.Warn("skipping unreadable inbox message", "file", name, "error", err)
			// Rename anyway so a poison file does not wedge the inbox
			a.markProcessed(path)
			continue
		}

		req := task.IncomingRequest{
			SourceChannel: task.ChannelMail,
			ReplyTarget:   msg.From,
			RawText:       strings.TrimSpace(msg.Subject + "\n" + msg.Body),
		}

		select {
		case a.requests <- req:
			a.markProcessed(path)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) markProcessed(path string) {
	if err := os.Rename(path, path+processedSuffix); err != nil {
		a.logger.Warn("failed to mark message processed", "file", path, "error", err)
	}
}

// Reply writes the result message to the outbox for the mail pipeline to send
func (a *Adapter) Reply(_ context.Context, target, content string) error {
	out := reply{
		To:     target,
		Body:   content,
		SentAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	name := fmt.Sprintf("reply-%s-%s.json",
		time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	if err := fsutil.AtomicWrite(filepath.Join(a.outboxDir, name), data); err != nil {
		return &channel.TransportError{Channel: task.ChannelMail, Err: err}
	}
	return nil
}

func readMessage(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.From == "" {
		return nil, fmt.Errorf("message has no sender")
	}
	return &msg, nil
}
