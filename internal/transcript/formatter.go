package transcript

import (
	"fmt"

	"github.com/hermesproj/hermes/internal/task"
)

// Formatter renders task lifecycle events for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatTransition formats a status change for console display
func (f *Formatter) FormatTransition(t *task.Task, from, to task.Status) string {
	var details string

	switch to {
	case task.StatusReceived:
		details = fmt.Sprintf("from %s: %s", t.SourceChannel, snippet(t.RawText, 60))
	case task.StatusQueued:
		details = fmt.Sprintf("prompt: %s", snippet(t.RefinedPrompt, 60))
	case task.StatusCompleted:
		if t.Result != nil {
			details = fmt.Sprintf("%d file(s) changed", len(t.Result.ChangedFiles))
		}
	case task.StatusRefineFailed, task.StatusFailed:
		details = snippet(t.ErrorDetail, 80)
	}

	if from == "" {
		if details != "" {
			return fmt.Sprintf("[%s] %s: %s", t.ID, to, details)
		}
		return fmt.Sprintf("[%s] %s", t.ID, to)
	}
	if details != "" {
		return fmt.Sprintf("[%s] %s → %s: %s", t.ID, from, to, details)
	}
	return fmt.Sprintf("[%s] %s → %s", t.ID, from, to)
}

// FormatReply formats a delivered reply for console display
func (f *Formatter) FormatReply(t *task.Task) string {
	return fmt.Sprintf("[%s] reply → %s via %s", t.ID, t.ReplyTarget, t.SourceChannel)
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
