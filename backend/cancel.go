package backend

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancellationToken is a once-settable stop flag shared by everything a job
// runs. It never resets.
type CancellationToken struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewCancellationToken returns an unset token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Stop sets the token. Extra calls are no-ops.
func (t *CancellationToken) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// Stopped reports whether Stop has been called.
func (t *CancellationToken) Stopped() bool {
	return t.stopped.Load()
}

// Done is closed when the token is stopped.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}

// Context derives a context that is cancelled when the token stops.
// The returned cancel func must be called to release the watcher goroutine.
func (t *CancellationToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
