package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hermesproj/hermes/internal/checksum"
)

// Channel identifies the transport a request arrived on
type Channel string

const (
	ChannelMail Channel = "mail"
	ChannelChat Channel = "chat"
)

// Status is a task's lifecycle state
type Status string

const (
	StatusReceived          Status = "received"
	StatusRefining          Status = "refining"
	StatusRefineFailed      Status = "refine_failed"
	StatusQueued            Status = "queued"
	StatusExecuting         Status = "executing"
	StatusTimedOutVerifying Status = "timed_out_verifying"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// legalSuccessors encodes the lifecycle state machine. A status missing from
// the map is terminal.
var legalSuccessors = map[Status][]Status{
	StatusReceived:          {StatusRefining, StatusQueued},
	StatusRefining:          {StatusQueued, StatusRefineFailed},
	StatusQueued:            {StatusExecuting},
	StatusExecuting:         {StatusCompleted, StatusFailed, StatusTimedOutVerifying},
	StatusTimedOutVerifying: {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	_, ok := legalSuccessors[s]
	return !ok
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to Status) bool {
	for _, next := range legalSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResultSummary is produced when a task completes successfully
type ResultSummary struct {
	Output       string   `json:"output"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// Task is the unit of work moving through refinement and execution
type Task struct {
	ID             string         `json:"id"`
	SourceChannel  Channel        `json:"source_channel"`
	ReplyTarget    string         `json:"reply_target"`
	RawText        string         `json:"raw_text"`
	RefinedPrompt  string         `json:"refined_prompt,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Result         *ResultSummary `json:"result,omitempty"`
	ErrorDetail    string         `json:"error_detail,omitempty"`
	ReplyDelivered bool           `json:"reply_delivered"`
}

// IncomingRequest is the normalized shape every channel adapter produces
type IncomingRequest struct {
	SourceChannel Channel
	ReplyTarget   string
	RawText       string
}

// New builds a task in the Received state from an incoming request
func New(req IncomingRequest) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            fmt.Sprintf("task-%s-%s", now.Format("20060102-150405"), uuid.New().String()[:8]),
		SourceChannel: req.SourceChannel,
		ReplyTarget:   req.ReplyTarget,
		RawText:       req.RawText,
		Status:        StatusReceived,
		CreatedAt:     now,
	}
}

// NaturalKey is the deduplication key for a request: a hash of the source
// channel, reply target and raw instruction text. Two submissions with the
// same key inside the dedup window are the same request redelivered by the
// transport.
func NaturalKey(ch Channel, target, raw string) string {
	return checksum.SHA256Bytes([]byte(string(ch) + "\n" + target + "\n" + raw))
}
