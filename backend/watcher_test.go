package backend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestProcess() *fakeProcess {
	return &fakeProcess{pid: 42, started: time.Now(), done: make(chan struct{})}
}

func TestNewProcessWatcher_ClampsInterval(t *testing.T) {
	assert.Equal(t, DefaultPollInterval, NewProcessWatcher(nil, 0).Interval())
	assert.Equal(t, MaxPollInterval, NewProcessWatcher(nil, time.Minute).Interval())
	assert.Equal(t, 500*time.Millisecond, NewProcessWatcher(nil, 500*time.Millisecond).Interval())
}

func TestProcessWatcher_Exited(t *testing.T) {
	w := NewProcessWatcher(newStepClock(), time.Second)
	p := newTestProcess()

	var mu sync.Mutex
	var ticks []float64
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.exit(0)
	}()

	outcome := w.Watch(p, NewCancellationToken(), WatchOptions{
		Expected: 10 * time.Second,
		OnTick: func(f float64) {
			mu.Lock()
			ticks = append(ticks, f)
			mu.Unlock()
		},
	})

	assert.Equal(t, OutcomeExited, outcome)
	assert.False(t, p.killed.Load())
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ticks); i++ {
		assert.GreaterOrEqual(t, ticks[i], ticks[i-1])
	}
	for _, f := range ticks {
		assert.LessOrEqual(t, f, maxStageFraction)
	}
}

func TestProcessWatcher_Cancelled(t *testing.T) {
	w := NewProcessWatcher(SystemClock, 50*time.Millisecond)
	p := newTestProcess()
	tok := NewCancellationToken()

	go func() {
		time.Sleep(30 * time.Millisecond)
		tok.Stop()
	}()

	start := time.Now()
	outcome := w.Watch(p, tok, WatchOptions{})
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.True(t, p.killed.Load(), "process tree should be killed")
	assert.Less(t, time.Since(start), MaxPollInterval+time.Second)
}

func TestProcessWatcher_TimedOut(t *testing.T) {
	clock := newStepClock()
	w := NewProcessWatcher(clock, time.Second)
	p := newTestProcess()

	start := clock.Now()
	outcome := w.Watch(p, nil, WatchOptions{Timeout: 5 * time.Second})

	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.True(t, p.killed.Load())
	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
	assert.Less(t, elapsed, 5*time.Second+MaxPollInterval+time.Second)
}

func TestProcessWatcher_TimeoutFromStageStart(t *testing.T) {
	clock := newStepClock()
	w := NewProcessWatcher(clock, time.Second)
	p := newTestProcess()

	since := clock.Now()
	clock.Advance(10 * time.Second)

	outcome := w.Watch(p, nil, WatchOptions{Timeout: 5 * time.Second, Since: since})
	assert.Equal(t, OutcomeTimedOut, outcome)
}

func TestEstimateFraction(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		expected time.Duration
		want     float64
	}{
		{"no expectation", 5 * time.Second, 0, 0},
		{"not started", 0, 10 * time.Second, 0},
		{"halfway", 5 * time.Second, 10 * time.Second, 0.5},
		{"capped", time.Minute, 10 * time.Second, maxStageFraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateFraction(tt.elapsed, tt.expected), 1e-9)
		})
	}
}

func TestWatchOutcome_String(t *testing.T) {
	assert.Equal(t, "exited", OutcomeExited.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
}
