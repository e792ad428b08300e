package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepClock advances by d on every After call, so polling loops move
// through simulated time without real waits.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	go func() {
		time.Sleep(time.Millisecond)
		ch <- now
	}()
	return ch
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProcess is a ProcessHandle driven by the test.
type fakeProcess struct {
	pid     int
	started time.Time
	cmd     ToolCommand
	done    chan struct{}
	once    sync.Once
	killed  atomic.Bool

	mu       sync.Mutex
	exitCode int
	tail     []string
	stdout   []byte
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) StartedAt() time.Time  { return p.started }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

func (p *fakeProcess) Stdout() []byte {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)
	return nil
}

// line records output and forwards it to the command's OnLine hook.
func (p *fakeProcess) line(s string) {
	p.mu.Lock()
	p.tail = append(p.tail, s)
	if len(p.tail) > DefaultTailLines {
		p.tail = p.tail[len(p.tail)-DefaultTailLines:]
	}
	p.mu.Unlock()
	if p.cmd.OnLine != nil {
		p.cmd.OnLine(s)
	}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

// fakeLauncher runs script in a goroutine for every started command.
// A nil script exits 0 immediately.
type fakeLauncher struct {
	script   func(p *fakeProcess)
	startErr error

	mu      sync.Mutex
	started []*fakeProcess
	running atomic.Int64
	peak    atomic.Int64
	spawned chan *fakeProcess
	nextPid int
}

func newFakeLauncher(script func(p *fakeProcess)) *fakeLauncher {
	return &fakeLauncher{script: script, spawned: make(chan *fakeProcess, 64), nextPid: 1000}
}

func (l *fakeLauncher) Start(cmd ToolCommand) (ProcessHandle, error) {
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.mu.Lock()
	l.nextPid++
	p := &fakeProcess{pid: l.nextPid, started: time.Now(), cmd: cmd, done: make(chan struct{})}
	l.started = append(l.started, p)
	l.mu.Unlock()

	n := l.running.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	go func() {
		<-p.done
		l.running.Add(-1)
	}()

	select {
	case l.spawned <- p:
	default:
	}
	go func() {
		if l.script == nil {
			p.exit(0)
			return
		}
		l.script(p)
	}()
	return p, nil
}

func (l *fakeLauncher) Spawned() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.started...)
}

func (l *fakeLauncher) Tools() []string {
	var tools []string
	for _, p := range l.Spawned() {
		tools = append(tools, p.cmd.Tool)
	}
	return tools
}

// writeFile creates name under the command's working directory.
func (p *fakeProcess) writeFile(name, content string) {
	path := filepath.Join(p.cmd.Dir, filepath.FromSlash(name))
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte(content), 0o644)
}

// fakeTools resolves every tool to /usr/bin/<tool> unless marked missing.
type fakeTools struct {
	mu       sync.Mutex
	missing  map[string]bool
	resolves map[string]int
	forgets  map[string]int
}

func newFakeTools(missing ...string) *fakeTools {
	t := &fakeTools{missing: map[string]bool{}, resolves: map[string]int{}, forgets: map[string]int{}}
	for _, m := range missing {
		t.missing[m] = true
	}
	return t
}

func (t *fakeTools) Resolve(tool string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolves[tool]++
	if t.missing[tool] {
		return "", &JobError{Kind: KindPrerequisiteMissing, Message: tool + " not found in PATH"}
	}
	return "/usr/bin/" + tool, nil
}

func (t *fakeTools) Forget(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgets[tool]++
}

func (t *fakeTools) install(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.missing, tool)
}

func offline(context.Context) error {
	return errors.New("dial tcp: lookup www.google.com: no such host")
}
