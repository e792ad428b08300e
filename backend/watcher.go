package backend

import "time"

const (
	// DefaultPollInterval is how often a running process is checked for
	// cancellation and timeout.
	DefaultPollInterval = time.Second
	// MaxPollInterval bounds the cancellation latency.
	MaxPollInterval = 2 * time.Second
	// maxStageFraction keeps the within-stage estimate from reaching the end
	// of a stage while its process is still running.
	maxStageFraction = 0.95
)

// WatchOutcome is how a watched process stopped.
type WatchOutcome int

const (
	OutcomeExited WatchOutcome = iota
	OutcomeCancelled
	OutcomeTimedOut
)

func (o WatchOutcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "exited"
	}
}

// WatchOptions configures one Watch call.
type WatchOptions struct {
	// Timeout is measured from Since. Zero disables it.
	Timeout time.Duration
	// Expected is the typical run time used for the progress estimate.
	Expected time.Duration
	// Since is the start of the enclosing stage; defaults to the watch start.
	Since time.Time
	// OnTick receives the within-stage fraction on every poll.
	OnTick func(fraction float64)
}

// ProcessWatcher polls a process until it exits, the token is stopped or
// the timeout elapses. The latter two kill the whole process tree.
type ProcessWatcher struct {
	clock     Clock
	interval  time.Duration
	killGrace time.Duration
}

// NewProcessWatcher clamps interval to (0, MaxPollInterval].
func NewProcessWatcher(clock Clock, interval time.Duration) *ProcessWatcher {
	if clock == nil {
		clock = SystemClock
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval > MaxPollInterval {
		interval = MaxPollInterval
	}
	return &ProcessWatcher{clock: clock, interval: interval, killGrace: 5 * time.Second}
}

// Interval returns the poll interval.
func (w *ProcessWatcher) Interval() time.Duration {
	return w.interval
}

// Watch blocks until the process is done. When the outcome is not
// OutcomeExited the process tree has been killed and reaped (or the kill
// grace period has passed).
func (w *ProcessWatcher) Watch(h ProcessHandle, token *CancellationToken, opts WatchOptions) WatchOutcome {
	since := opts.Since
	if since.IsZero() {
		since = w.clock.Now()
	}

	var stopped <-chan struct{}
	if token != nil {
		stopped = token.Done()
	}

	for {
		select {
		case <-h.Done():
			return OutcomeExited
		default:
		}

		if token != nil && token.Stopped() {
			w.terminate(h)
			return OutcomeCancelled
		}

		elapsed := w.clock.Now().Sub(since)
		if opts.Timeout > 0 && elapsed >= opts.Timeout {
			w.terminate(h)
			return OutcomeTimedOut
		}

		if opts.OnTick != nil {
			opts.OnTick(EstimateFraction(elapsed, opts.Expected))
		}

		select {
		case <-h.Done():
		case <-stopped:
		case <-w.clock.After(w.interval):
		}
	}
}

func (w *ProcessWatcher) terminate(h ProcessHandle) {
	if err := h.Kill(); err != nil {
		Logger.Warn("failed to kill process tree", "pid", h.Pid(), "error", err)
	}
	select {
	case <-h.Done():
		return
	default:
	}
	select {
	case <-h.Done():
	case <-w.clock.After(w.killGrace):
		Logger.Warn("process did not exit after kill", "pid", h.Pid(), "grace", w.killGrace)
	}
}

// EstimateFraction maps elapsed time onto [0, 0.95] of a stage.
func EstimateFraction(elapsed, expected time.Duration) float64 {
	if expected <= 0 || elapsed <= 0 {
		return 0
	}
	f := float64(elapsed) / float64(expected)
	if f > maxStageFraction {
		f = maxStageFraction
	}
	return f
}
