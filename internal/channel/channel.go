// Package channel defines the boundary between the orchestration engine and
// its input/output transports. The engine only ever sees normalized incoming
// requests and a per-channel reply capability; protocol details stay inside
// each adapter.
package channel

import (
	"context"
	"fmt"

	"github.com/hermesproj/hermes/internal/task"
)

// Adapter is one transport normalized to the common request/reply shape.
// Start launches the adapter's own listening loop; requests flow out of
// Requests until the context is cancelled. Adapters own their transport-level
// cursor (seen message ids, processed files); Requests is not restartable.
type Adapter interface {
	Channel() task.Channel
	Start(ctx context.Context) error
	Requests() <-chan task.IncomingRequest
	Reply(ctx context.Context, target, content string) error
}

// TransportError is a reply delivery failure at the transport level. The
// reply router retries these with bounded backoff.
type TransportError struct {
	Channel task.Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
