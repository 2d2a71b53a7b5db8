// Package dispatch is the serialized consumer at the center of the engine.
// A single loop pulls tasks in creation order, drives them through refinement
// and execution, persists every transition before taking the next step, and
// hands terminal tasks to the reply path. Exactly one task can hold the
// execution slot at any instant; the external agent shares one working
// directory and cannot run concurrent instructions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hermesproj/hermes/internal/executor"
	"github.com/hermesproj/hermes/internal/refiner"
	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/internal/task"
)

// ExecGateway runs the external agent and verifies timed-out runs
type ExecGateway interface {
	Run(ctx context.Context, taskID, prompt string, deadline time.Duration) (*executor.Result, error)
	Verify(ctx context.Context, taskID string, window time.Duration) ([]string, error)
}

// Deliverer sends the result of a terminal task back to its origin channel
type Deliverer interface {
	Deliver(ctx context.Context, t *task.Task) error
}

// TranscriptFormatter formats lifecycle events for console display
type TranscriptFormatter interface {
	FormatTransition(t *task.Task, from, to task.Status) string
	FormatReply(t *task.Task) string
}

// Config bounds the dispatcher's timing behavior
type Config struct {
	// ExecDeadline is the hard deadline for one agent run
	ExecDeadline time.Duration
	// VerifyWindow is how long a timed-out run gets to show filesystem
	// evidence before it is classified
	VerifyWindow time.Duration
	// PollInterval is the idle re-check cadence when no submissions arrive
	PollInterval time.Duration
	// StoreRetries bounds local retries of transient store errors
	StoreRetries int
	// StoreBackoff is the initial backoff between store retries
	StoreBackoff time.Duration
}

// Dispatcher owns the task lifecycle from ingestion to terminal state
type Dispatcher struct {
	store   *store.Store
	refiner refiner.Refiner
	exec    ExecGateway
	router  Deliverer
	cfg     Config
	logger  *slog.Logger

	transcript TranscriptFormatter
	print      func(string)

	wake chan struct{}
}

// New creates a dispatcher. The zero values of Config fields are replaced
// with conservative defaults.
func New(st *store.Store, ref refiner.Refiner, exec ExecGateway, router Deliverer, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.ExecDeadline <= 0 {
		cfg.ExecDeadline = 10 * time.Minute
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 250 * time.Millisecond
	}
	return &Dispatcher{
		store:   st,
		refiner: ref,
		exec:    exec,
		router:  router,
		cfg:     cfg,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// SetTranscriptFormatter enables console transcript output through print
func (d *Dispatcher) SetTranscriptFormatter(f TranscriptFormatter, print func(string)) {
	d.transcript = f
	d.print = print
}

// Submit is the shared ingestion boundary for all channel adapters. It
// persists the request as a task in the Received state and wakes the loop.
// A transport-level redelivery (duplicate natural key inside the dedup
// window) is absorbed silently.
func (d *Dispatcher) Submit(ctx context.Context, req task.IncomingRequest) error {
	t := task.New(req)
	err := d.store.Create(ctx, t)
	if errors.Is(err, task.ErrDuplicateRequest) {
		d.logger.Debug("duplicate request absorbed",
			"channel", req.SourceChannel, "target", req.ReplyTarget)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to ingest request: %w", err)
	}

	d.logger.Info("task created",
		"task_id", t.ID, "channel", t.SourceChannel, "raw_len", len(t.RawText))
	d.announce(t, "", t.Status)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run recovers orphaned work and then processes tasks until ctx is
// cancelled. Only process-fatal conditions (store unreachable after retries)
// make it return early.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	for {
		advanced, err := d.step(ctx)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// recoverOrphans reconciles state left behind by a previous process. Tasks
// caught mid-refinement or queued are picked up again by the main loop; a
// task caught Executing lost its process with the crash, so only filesystem
// evidence can classify it, so it moves to verification. Terminal tasks whose
// reply never went out are re-delivered (delivery is idempotent).
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	pending, err := d.store.Recover(ctx)
	if err != nil {
		return err
	}

	for _, t := range pending {
		if t.Status != task.StatusExecuting {
			continue
		}
		d.logger.Warn("found task orphaned mid-execution", "task_id", t.ID)
		if _, err := d.update(ctx, t.ID, task.StatusTimedOutVerifying, "orphaned by restart", nil); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		d.logger.Info("recovered pending tasks", "count", len(pending))
	}

	undelivered, err := d.store.ListUndelivered(ctx)
	if err != nil {
		return err
	}
	for _, t := range undelivered {
		d.deliver(ctx, t)
	}
	return nil
}

// step advances the oldest pending task by one lifecycle stage. It returns
// false when there is nothing to do.
func (d *Dispatcher) step(ctx context.Context) (bool, error) {
	pending, err := d.store.Recover(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	t := pending[0]
	switch t.Status {
	case task.StatusReceived, task.StatusRefining:
		return true, d.refine(ctx, t)
	case task.StatusQueued:
		return true, d.execute(ctx, t)
	case task.StatusExecuting:
		// Unreachable in a single process; left here so a corrupted store
		// cannot wedge the loop.
		_, err := d.update(ctx, t.ID, task.StatusTimedOutVerifying, "executing without owner", nil)
		return true, err
	case task.StatusTimedOutVerifying:
		return true, d.verify(ctx, t)
	default:
		return false, fmt.Errorf("pending query returned terminal task %s (%s)", t.ID, t.Status)
	}
}

// refine drives Received → Queued or RefineFailed. A task recovered in
// Refining re-runs refinement without a status regression.
func (d *Dispatcher) refine(ctx context.Context, t *task.Task) error {
	if t.Status == task.StatusReceived {
		updated, err := d.update(ctx, t.ID, task.StatusRefining, "", nil)
		if err != nil {
			return err
		}
		t = updated
	}

	prompt, refineErr := d.refiner.Refine(ctx, t.RawText)
	if refineErr != nil {
		d.logger.Warn("refinement failed", "task_id", t.ID, "error", refineErr)
		now := time.Now().UTC()
		failed, err := d.update(ctx, t.ID, task.StatusRefineFailed, "refiner error", func(t *task.Task) {
			t.ErrorDetail = refineErr.Error()
			t.FinishedAt = &now
		})
		if err != nil {
			return err
		}
		d.deliver(ctx, failed)
		return nil
	}

	_, err := d.update(ctx, t.ID, task.StatusQueued, "", func(t *task.Task) {
		t.RefinedPrompt = prompt
	})
	return err
}

// execute drives Queued → Executing → a terminal state or verification
func (d *Dispatcher) execute(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	t, err := d.update(ctx, t.ID, task.StatusExecuting, "", func(t *task.Task) {
		t.StartedAt = &now
	})
	if err != nil {
		return err
	}

	result, runErr := d.exec.Run(ctx, t.ID, t.RefinedPrompt, d.cfg.ExecDeadline)

	var timeoutErr *executor.TimeoutError
	switch {
	case runErr == nil && result.ExitCode == 0:
		finished := time.Now().UTC()
		done, err := d.update(ctx, t.ID, task.StatusCompleted, "agent exited 0", func(t *task.Task) {
			t.FinishedAt = &finished
			t.Result = &task.ResultSummary{
				Output:       result.Output,
				ChangedFiles: result.ChangedFiles,
			}
		})
		if err != nil {
			return err
		}
		d.deliver(ctx, done)

	case runErr == nil:
		finished := time.Now().UTC()
		failed, err := d.update(ctx, t.ID, task.StatusFailed,
			fmt.Sprintf("agent exited %d", result.ExitCode), func(t *task.Task) {
				t.FinishedAt = &finished
				t.ErrorDetail = fmt.Sprintf("agent exited with code %d\n\n%s",
					result.ExitCode, tail(result.Output, 2000))
			})
		if err != nil {
			return err
		}
		d.deliver(ctx, failed)

	case errors.As(runErr, &timeoutErr):
		// The agent may genuinely finish useful work after the deadline;
		// hold the slot and let the evidence decide.
		_, err := d.update(ctx, t.ID, task.StatusTimedOutVerifying, "deadline elapsed", func(t *task.Task) {
			t.Result = &task.ResultSummary{Output: timeoutErr.Output}
		})
		return err

	default:
		// Gateway failure (agent binary missing, spawn error). Task-scoped:
		// persist, notify, continue with the next task.
		d.logger.Error("execution gateway error", "task_id", t.ID, "error", runErr)
		finished := time.Now().UTC()
		failed, err := d.update(ctx, t.ID, task.StatusFailed, "gateway error", func(t *task.Task) {
			t.FinishedAt = &finished
			t.ErrorDetail = runErr.Error()
		})
		if err != nil {
			return err
		}
		d.deliver(ctx, failed)
	}
	return nil
}

// verify classifies a timed-out execution by filesystem evidence: a non-empty
// working-directory diff after the verification window, or trailing captured
// output, means the work happened and discarding it would lose a completed
// task.
func (d *Dispatcher) verify(ctx context.Context, t *task.Task) error {
	changed, err := d.exec.Verify(ctx, t.ID, d.cfg.VerifyWindow)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Missing manifest or unreadable working dir: no evidence available
		d.logger.Warn("verification could not gather evidence", "task_id", t.ID, "error", err)
		changed = nil
	}

	partialOutput := ""
	if t.Result != nil {
		partialOutput = strings.TrimSpace(t.Result.Output)
	}

	finished := time.Now().UTC()
	if len(changed) > 0 || partialOutput != "" {
		d.logger.Info("timed-out execution verified as completed",
			"task_id", t.ID, "changed_files", len(changed), "output_bytes", len(partialOutput))
		done, err := d.update(ctx, t.ID, task.StatusCompleted, "evidence found after timeout", func(t *task.Task) {
			t.FinishedAt = &finished
			t.Result = &task.ResultSummary{
				Output:       partialOutput,
				ChangedFiles: changed,
			}
		})
		if err != nil {
			return err
		}
		d.deliver(ctx, done)
		return nil
	}

	failed, err := d.update(ctx, t.ID, task.StatusFailed, "no evidence after timeout", func(t *task.Task) {
		t.FinishedAt = &finished
		t.Result = nil
		t.ErrorDetail = fmt.Sprintf(
			"execution exceeded the %s deadline and no completion evidence appeared within the %s verification window",
			d.cfg.ExecDeadline, d.cfg.VerifyWindow)
	})
	if err != nil {
		return err
	}
	d.deliver(ctx, failed)
	return nil
}

// deliver hands a terminal task to the reply router. Delivery failures leave
// the task without its delivered marker; they never fail the loop.
func (d *Dispatcher) deliver(ctx context.Context, t *task.Task) {
	if err := d.router.Deliver(ctx, t); err != nil {
		d.logger.Error("reply delivery failed", "task_id", t.ID, "error", err)
		return
	}
	if d.transcript != nil && d.print != nil {
		d.print(d.transcript.FormatReply(t))
	}
}

// update persists a transition, retrying transient store errors with backoff.
// Invariant violations are fatal: they mean the state machine is broken.
func (d *Dispatcher) update(ctx context.Context, id string, to task.Status, note string, mutate func(*task.Task)) (*task.Task, error) {
	backoff := d.cfg.StoreBackoff
	var lastErr error
	for attempt := 0; attempt < d.cfg.StoreRetries; attempt++ {
		t, err := d.store.Update(ctx, id, to, note, mutate)
		if err == nil {
			d.announce(t, transitionFrom(t, to), to)
			return t, nil
		}

		var invalid *task.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, task.ErrNotFound) {
			return nil, err
		}

		lastErr = err
		d.logger.Warn("store update failed, retrying",
			"task_id", id, "to", to, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("store unavailable after %d attempts: %w", d.cfg.StoreRetries, lastErr)
}

func (d *Dispatcher) announce(t *task.Task, from, to task.Status) {
	if d.transcript != nil && d.print != nil {
		d.print(d.transcript.FormatTransition(t, from, to))
	}
}

// transitionFrom recovers the predecessor for transcript display only
func transitionFrom(t *task.Task, to task.Status) task.Status {
	switch to {
	case task.StatusRefining:
		return task.StatusReceived
	case task.StatusQueued:
		return task.StatusRefining
	case task.StatusExecuting:
		return task.StatusQueued
	case task.StatusRefineFailed:
		return task.StatusRefining
	default:
		return ""
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
