// Package executor runs the external CLI agent against the shared working
// directory. It captures bounded output, enforces the execution deadline, and
// snapshots the working directory around each run so a timed-out execution can
// later be classified by filesystem evidence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hermesproj/hermes/internal/snapshot"
)

// Result is the outcome of a run that finished before its deadline
type Result struct {
	ExitCode     int
	Output       string
	ChangedFiles []string
	Duration     time.Duration
}

// TimeoutError is returned when the deadline elapsed and the agent process
// had to be killed. It carries the output captured so far; the dispatcher
// treats it as entry into verification, never as an immediate failure.
type TimeoutError struct {
	Deadline time.Duration
	Output   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent execution exceeded deadline of %s", e.Deadline)
}

// Gateway launches the agent subprocess for one task at a time
type Gateway struct {
	cmd      []string
	workDir  string
	stateDir string
	maxBytes int
	logger   *slog.Logger
}

// New creates a gateway. cmd is the agent argv prefix (the refined prompt is
// appended as the final argument), stateDir holds pre-run snapshot manifests.
func New(cmd []string, workDir, stateDir string, maxOutputBytes int, logger *slog.Logger) *Gateway {
	return &Gateway{
		cmd:      cmd,
		workDir:  workDir,
		stateDir: stateDir,
		maxBytes: maxOutputBytes,
		logger:   logger,
	}
}

// ManifestPath is where the pre-run snapshot for a task is persisted. It must
// survive a crash so an orphaned execution can still be verified.
func (g *Gateway) ManifestPath(taskID string) string {
	return filepath.Join(g.stateDir, "manifests", taskID+".json")
}

// Run executes the agent with the refined prompt and a bounded deadline.
// On deadline expiry the process is killed and a *TimeoutError is returned.
func (g *Gateway) Run(ctx context.Context, taskID, prompt string, deadline time.Duration) (*Result, error) {
	before, err := snapshot.Capture(g.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to capture pre-run snapshot: %w", err)
	}
	if err := snapshot.Save(before, g.ManifestPath(taskID)); err != nil {
		return nil, fmt.Errorf("failed to persist pre-run snapshot: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	argv := append(append([]string{}, g.cmd...), prompt)
	proc := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	proc.Dir = g.workDir
	proc.Env = append(os.Environ(),
		"CLAUDE_NO_INTERACTIVE=1",
		"TERM=xterm-256color",
	)

	buf := newTailBuffer(g.maxBytes)
	proc.Stdout = buf
	proc.Stderr = buf

	g.logger.Info("starting agent execution",
		"task_id", taskID, "cmd", g.cmd[0], "deadline", deadline)

	start := time.Now()
	runErr := proc.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		g.logger.Warn("agent execution timed out",
			"task_id", taskID, "deadline", deadline, "captured_bytes", buf.Len())
		return nil, &TimeoutError{Deadline: deadline, Output: buf.String()}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run agent: %w", runErr)
		}
	}

	after, err := snapshot.Capture(g.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to capture post-run snapshot: %w", err)
	}

	result := &Result{
		ExitCode:     exitCode,
		Output:       buf.String(),
		ChangedFiles: snapshot.Diff(before, after),
		Duration:     duration,
	}

	g.logger.Info("agent execution finished",
		"task_id", taskID,
		"exit_code", exitCode,
		"duration", duration,
		"changed_files", len(result.ChangedFiles))

	return result, nil
}

// Verify waits out the verification window, then compares the working
// directory against the persisted pre-run snapshot of the task. The returned
// paths are the evidence used to classify a timed-out run.
func (g *Gateway) Verify(ctx context.Context, taskID string, window time.Duration) ([]string, error) {
	before, err := snapshot.Load(g.ManifestPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to load pre-run snapshot for %s: %w", taskID, err)
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	after, err := snapshot.Capture(g.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to capture verification snapshot: %w", err)
	}

	return snapshot.Diff(before, after), nil
}
