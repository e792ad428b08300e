package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationToken_StopOnce(t *testing.T) {
	tok := NewCancellationToken()
	assert.False(t, tok.Stopped())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Stop()
		}()
	}
	wg.Wait()

	assert.True(t, tok.Stopped())
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestCancellationToken_Context(t *testing.T) {
	tok := NewCancellationToken()
	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	require.NoError(t, ctx.Err())
	tok.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled by the token")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancellationToken_ContextReleased(t *testing.T) {
	tok := NewCancellationToken()
	ctx, cancel := tok.Context(context.Background())
	cancel()

	<-ctx.Done()
	assert.False(t, tok.Stopped(), "cancelling the context must not stop the token")
}
