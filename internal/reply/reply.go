// Package reply routes completed and failed tasks back to the channel that
// originated them. Delivery is at-least-once at the transport level but
// deduplicated per task id by a persisted delivered marker, so a retry or a
// crash replay never double-sends.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hermesproj/hermes/internal/channel"
	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/internal/task"
)

// maxChatBody bounds reply size; chat transports reject very long messages
const maxChatBody = 3000

// Router delivers result messages through the owning channel adapter
type Router struct {
	store       *store.Store
	adapters    map[task.Channel]channel.Adapter
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
}

// New creates a router over the given adapters. maxAttempts bounds transport
// retries; baseBackoff doubles per attempt.
func New(st *store.Store, adapters []channel.Adapter, maxAttempts int, baseBackoff time.Duration, logger *slog.Logger) *Router {
	byChannel := make(map[task.Channel]channel.Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	return &Router{
		store:       st,
		adapters:    byChannel,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		logger:      logger,
	}
}

// Deliver sends the result message for a terminal task to its origin channel.
// It is idempotent per task id: if the delivered marker is already set the
// call is a no-op. The marker is persisted only after a successful send.
func (r *Router) Deliver(ctx context.Context, t *task.Task) error {
	if !t.Status.IsTerminal() {
		return fmt.Errorf("task %s is not terminal (status %s)", t.ID, t.Status)
	}
	if t.ReplyDelivered {
		r.logger.Debug("reply already delivered", "task_id", t.ID)
		return nil
	}

	adapter, ok := r.adapters[t.SourceChannel]
	if !ok {
		return fmt.Errorf("no adapter for channel %s", t.SourceChannel)
	}

	content := FormatResult(t)

	var lastErr error
	backoff := r.baseBackoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := adapter.Reply(ctx, t.ReplyTarget, content)
		if err == nil {
			if err := r.store.MarkReplyDelivered(ctx, t.ID); err != nil {
				return fmt.Errorf("reply sent but marker not persisted for %s: %w", t.ID, err)
			}
			r.logger.Info("reply delivered",
				"task_id", t.ID, "channel", t.SourceChannel, "attempts", attempt)
			return nil
		}

		var transportErr *channel.TransportError
		if !errors.As(err, &transportErr) {
			return fmt.Errorf("reply failed for %s: %w", t.ID, err)
		}

		lastErr = err
		r.logger.Warn("reply attempt failed",
			"task_id", t.ID, "attempt", attempt, "error", err)

		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	// The task keeps its terminal state without the delivered marker; it
	// stays visible through the store for manual inspection.
	return fmt.Errorf("reply delivery exhausted %d attempts for %s: %w", r.maxAttempts, t.ID, lastErr)
}

// FormatResult renders the user-facing message for a terminal task
func FormatResult(t *task.Task) string {
	switch t.Status {
	case task.StatusCompleted:
		return formatCompleted(t)
	case task.StatusRefineFailed:
		return fmt.Sprintf(
			"Your request could not be turned into an executable task: %s\n\nOriginal request: %s",
			t.ErrorDetail, t.RawText)
	default:
		detail := t.ErrorDetail
		if detail == "" {
			detail = "execution failed"
		}
		return fmt.Sprintf("Task failed.\n\n%s", truncate(detail, 500))
	}
}

func formatCompleted(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Task completed.\n\n")

	output := ""
	if t.Result != nil {
		output = strings.TrimSpace(t.Result.Output)
	}
	if output == "" {
		output = "(no output)"
	}
	b.WriteString(truncate(output, maxChatBody))

	if t.Result != nil && len(t.Result.ChangedFiles) > 0 {
		b.WriteString("\n\nChanged files:\n")
		for _, f := range t.Result.ChangedFiles {
			b.WriteString("- " + f + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n...(truncated)"
}
