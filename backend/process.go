package backend

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTailLines is how many trailing output lines a process keeps for
// diagnostics.
const DefaultTailLines = 10

// ToolCommand describes one external tool invocation.
type ToolCommand struct {
	Tool          string        // logical name used for lookup, e.g. "ffmpeg"
	Path          string        // resolved binary; Tool is used when empty
	Args          []string
	Dir           string
	Env           []string      // appended to the current environment
	CaptureStdout bool          // keep the full stdout, not just the tail
	Timeout       time.Duration // overrides the stage timeout when > 0
	OnLine        func(line string)
}

// String renders the command line for logs.
func (c ToolCommand) String() string {
	bin := c.Path
	if bin == "" {
		bin = c.Tool
	}
	return strings.TrimSpace(bin + " " + strings.Join(c.Args, " "))
}

// ProcessHandle is one spawned external process.
type ProcessHandle interface {
	Pid() int
	StartedAt() time.Time
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// ExitCode is valid after Done. -1 means killed by a signal.
	ExitCode() int
	// Err is the wait error, if any, valid after Done.
	Err() error
	// Kill terminates the process and all of its descendants.
	Kill() error
	Tail() []string
	Stdout() []byte
}

// Launcher spawns processes. Tests substitute a fake.
type Launcher interface {
	Start(cmd ToolCommand) (ProcessHandle, error)
}

// ExecLauncher starts real processes in their own process group with
// stdout and stderr captured line by line.
type ExecLauncher struct {
	TailLines int
	Logger    *slog.Logger
}

// NewExecLauncher returns a launcher keeping DefaultTailLines per process.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = Logger
	}
	return &ExecLauncher{TailLines: DefaultTailLines, Logger: logger}
}

func (l *ExecLauncher) Start(tc ToolCommand) (ProcessHandle, error) {
	bin := tc.Path
	if bin == "" {
		bin = tc.Tool
	}

	cmd := exec.Command(bin, tc.Args...)
	cmd.Dir = tc.Dir
	if len(tc.Env) > 0 {
		cmd.Env = append(os.Environ(), tc.Env...)
	}
	setProcessGroup(cmd)
	// Bounds the output drain when an orphaned grandchild keeps the pipes open.
	cmd.WaitDelay = 2 * time.Second

	tailLines := l.TailLines
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
		tail: newTailBuffer(tailLines),
	}

	logger := l.Logger
	onLine := func(line string) {
		p.tail.add(line)
		logger.Debug("tool output", "tool", tc.Tool, "line", line)
		if tc.OnLine != nil {
			tc.OnLine(line)
		}
	}

	stdoutLines := newLineWriter(onLine)
	stderrLines := newLineWriter(onLine)
	if tc.CaptureStdout {
		cmd.Stdout = io.MultiWriter(&p.stdout, stdoutLines)
	} else {
		cmd.Stdout = stdoutLines
	}
	cmd.Stderr = stderrLines

	if err := cmd.Start(); err != nil {
		te := &ToolError{Command: tc.Tool, Args: tc.Args, ExitCode: -1, Err: err}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &JobError{
				Kind:    KindPrerequisiteMissing,
				Message: tc.Tool + " is not installed or not executable",
				Err:     te,
			}
		}
		return nil, te
	}
	p.started = time.Now()

	logger.Debug("process started", "tool", tc.Tool, "pid", cmd.Process.Pid, "cmd", tc.String())

	go func() {
		err := cmd.Wait()
		stdoutLines.Flush()
		stderrLines.Flush()

		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = -1
		}

		p.mu.Lock()
		p.exitCode = code
		if !errors.Is(err, exec.ErrWaitDelay) {
			p.err = err
		}
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	tail    *tailBuffer
	stdout  bytes.Buffer

	mu       sync.Mutex
	exitCode int
	err      error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) StartedAt() time.Time  { return p.started }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Tail() []string        { return p.tail.lines() }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Stdout() []byte {
	<-p.done
	return p.stdout.Bytes()
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return KillProcessTree(p.Pid())
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}

// lineWriter splits a byte stream on '\n' or '\r' so carriage-return
// progress bars arrive as separate lines.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimSpace(string(b))
	if line == "" {
		return
	}
	w.onLine(line)
}
