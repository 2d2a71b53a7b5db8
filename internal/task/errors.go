package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task id has no record in the store
var ErrNotFound = errors.New("task not found")

// ErrDuplicateRequest is returned by the store when a request with the same
// natural key was already recorded inside the dedup window. Ingestion absorbs
// it silently: no task is created and no reply is sent.
var ErrDuplicateRequest = errors.New("duplicate request")

// InvalidTransitionError reports an attempt to move a task to a status that
// is not a legal successor of its current one. It indicates a programming
// error, not an operational condition.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}
