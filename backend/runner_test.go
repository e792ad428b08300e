package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(l Launcher, tools ToolLookup) *ToolRunner {
	return NewToolRunner(l, tools, NewProcessWatcher(newStepClock(), time.Second), discardLogger())
}

func TestToolRunner_Success(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess) {
		p.line("[download]  50.0% of 3.00MiB")
		p.exit(0)
	})
	r := newTestRunner(l, newFakeTools())

	var lines []string
	h, err := r.Run(ToolCommand{Tool: ToolYtDlp, OnLine: func(s string) { lines = append(lines, s) }}, NewCancellationToken(), WatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 0, h.ExitCode())
	assert.Equal(t, []string{"[download]  50.0% of 3.00MiB"}, lines)

	spawned := l.Spawned()
	require.Len(t, spawned, 1)
	assert.Equal(t, "/usr/bin/yt-dlp", spawned[0].cmd.Path, "tool path should be resolved before launch")
}

func TestToolRunner_StoppedBeforeStart(t *testing.T) {
	l := newFakeLauncher(nil)
	r := newTestRunner(l, newFakeTools())
	tok := NewCancellationToken()
	tok.Stop()

	h, err := r.Run(ToolCommand{Tool: ToolFFmpeg}, tok, WatchOptions{})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, l.Spawned())
}

func TestToolRunner_NonZeroExit(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess) {
		for i := 1; i <= 12; i++ {
			p.line("line " + string(rune('a'+i-1)))
		}
		p.exit(2)
	})
	r := newTestRunner(l, newFakeTools())

	h, err := r.Run(ToolCommand{Tool: ToolDemucs, Args: []string{"-n", "htdemucs"}}, nil, WatchOptions{})
	require.NotNil(t, h)

	var je *JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, KindStageFailed, je.Kind)
	assert.Equal(t, 2, je.ExitCode)
	assert.Len(t, je.Diagnostics, DefaultTailLines)
	assert.Equal(t, "line l", je.Diagnostics[len(je.Diagnostics)-1])

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ToolDemucs, te.Command)
	assert.Equal(t, []string{"-n", "htdemucs"}, te.Args)
}

func TestToolRunner_NetworkFailureInOutput(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess) {
		p.line("ERROR: Unable to download webpage: <urlopen error [Errno -3] Temporary failure in name resolution>")
		p.exit(1)
	})
	r := newTestRunner(l, newFakeTools())

	_, err := r.Run(ToolCommand{Tool: ToolYtDlp}, nil, WatchOptions{})
	assert.ErrorIs(t, err, ErrNoNetwork)
}

func TestToolRunner_MissingTool(t *testing.T) {
	l := newFakeLauncher(nil)
	r := newTestRunner(l, newFakeTools(ToolDemucs))

	_, err := r.Run(ToolCommand{Tool: ToolDemucs}, nil, WatchOptions{})
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)
	assert.Empty(t, l.Spawned())
}

func TestToolRunner_StartFailure(t *testing.T) {
	l := newFakeLauncher(nil)
	l.startErr = errors.New("permission denied")
	r := newTestRunner(l, nil)

	_, err := r.Run(ToolCommand{Tool: ToolFFmpeg, Path: "/opt/ffmpeg"}, nil, WatchOptions{})
	assert.ErrorIs(t, err, ErrStageFailed)

	l.startErr = &JobError{Kind: KindPrerequisiteMissing, Message: "ffmpeg is not installed or not executable"}
	_, err = r.Run(ToolCommand{Tool: ToolFFmpeg, Path: "/opt/ffmpeg"}, nil, WatchOptions{})
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)
}

func TestToolRunner_CommandTimeoutOverrides(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess) {})
	r := newTestRunner(l, newFakeTools())

	h, err := r.Run(ToolCommand{Tool: ToolFFprobe, Timeout: 3 * time.Second}, nil, WatchOptions{Timeout: time.Hour})
	assert.ErrorIs(t, err, ErrTimedOut)
	require.NotNil(t, h)
	assert.True(t, h.(*fakeProcess).killed.Load())
}

func TestToolRunner_Cancelled(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess) {})
	r := newTestRunner(l, newFakeTools())
	tok := NewCancellationToken()

	go func() {
		<-l.spawned
		tok.Stop()
	}()

	h, err := r.Run(ToolCommand{Tool: ToolDemucs}, tok, WatchOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, h)
	assert.True(t, h.(*fakeProcess).killed.Load())
}
