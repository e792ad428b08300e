package backend

import (
	"fmt"
	"log/slog"

	"stemtube/internal/metrics"
)

// ToolLookup resolves tool names to executables.
type ToolLookup interface {
	Resolve(tool string) (string, error)
	Forget(tool string)
}

// ToolRunner spawns one external tool and supervises it until it exits,
// is cancelled or times out. It is the single exec primitive shared by
// pipeline stages and batch items.
type ToolRunner struct {
	launcher Launcher
	tools    ToolLookup
	watcher  *ProcessWatcher
	logger   *slog.Logger
}

// NewToolRunner wires a runner. tools may be nil when commands carry
// resolved paths.
func NewToolRunner(launcher Launcher, tools ToolLookup, watcher *ProcessWatcher, logger *slog.Logger) *ToolRunner {
	if logger == nil {
		logger = Logger
	}
	if watcher == nil {
		watcher = NewProcessWatcher(SystemClock, DefaultPollInterval)
	}
	return &ToolRunner{launcher: launcher, tools: tools, watcher: watcher, logger: logger}
}

// Watcher exposes the process watcher.
func (r *ToolRunner) Watcher() *ProcessWatcher {
	return r.watcher
}

// Run executes cmd and returns the finished handle. The error is a
// *JobError: Cancelled, TimedOut, PrerequisiteMissing, NoNetwork (when the
// tool output indicates it) or StageFailed for any other non-zero exit.
// The handle is non-nil whenever a process was spawned.
func (r *ToolRunner) Run(cmd ToolCommand, token *CancellationToken, opts WatchOptions) (ProcessHandle, error) {
	if token != nil && token.Stopped() {
		return nil, newJobError(KindCancelled, "stopped before start", ErrCancelled)
	}

	if cmd.Path == "" && r.tools != nil && cmd.Tool != "" {
		path, err := r.tools.Resolve(cmd.Tool)
		if err != nil {
			return nil, err
		}
		cmd.Path = path
	}
	if cmd.Timeout > 0 {
		opts.Timeout = cmd.Timeout
	}

	h, err := r.launcher.Start(cmd)
	if err != nil {
		if je := AsJobError(err, KindStageFailed); je.Kind == KindPrerequisiteMissing {
			return nil, je
		}
		return nil, &JobError{
			Kind:    KindStageFailed,
			Message: fmt.Sprintf("failed to start %s: %v", cmd.Tool, err),
			Err:     err,
		}
	}
	metrics.ProcessesStarted.WithLabelValues(cmd.Tool).Inc()

	outcome := r.watcher.Watch(h, token, opts)
	tail := h.Tail()

	switch outcome {
	case OutcomeCancelled:
		metrics.ProcessesKilled.WithLabelValues(cmd.Tool, "cancelled").Inc()
		r.logger.Info("process cancelled", "tool", cmd.Tool, "pid", h.Pid())
		return h, newJobError(KindCancelled, cmd.Tool+" stopped by user", ErrCancelled)

	case OutcomeTimedOut:
		metrics.ProcessesKilled.WithLabelValues(cmd.Tool, "timeout").Inc()
		r.logger.Warn("process timed out", "tool", cmd.Tool, "pid", h.Pid(), "timeout", opts.Timeout)
		return h, &JobError{
			Kind:        KindTimedOut,
			Message:     fmt.Sprintf("%s did not finish within %s", cmd.Tool, opts.Timeout),
			Diagnostics: tail,
			Err:         ErrTimedOut,
		}
	}

	code := h.ExitCode()
	if code != 0 {
		kind := KindStageFailed
		if looksLikeNetworkFailure(tail) {
			kind = KindNoNetwork
		}
		return h, &JobError{
			Kind:        kind,
			ExitCode:    code,
			Message:     fmt.Sprintf("%s exited with code %d", cmd.Tool, code),
			Diagnostics: tail,
			Err:         &ToolError{Command: cmd.Tool, Args: cmd.Args, ExitCode: code, Tail: tail, Err: h.Err()},
		}
	}

	return h, nil
}
