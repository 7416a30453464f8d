//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-service/internal/infra/logging"
)

func TestPool_RunsTasksAndRecoversPanics(t *testing.T) {
	p := NewPool(2, logging.Nop())
	p.Start(context.Background())

	var ran atomic.Int32
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { ran.Add(1); return errors.New("task error") }))

	require.Eventually(t, func() bool { return ran.Load() == 1 && p.Idle() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, p.Submit(func(context.Context) error { ran.Add(1); return nil }))
	require.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitIsNonBlocking(t *testing.T) {
	p := NewPool(1, logging.Nop())
	// Not started: the buffer holds exactly one task.
	block := func(context.Context) error { return nil }
	require.NoError(t, p.Submit(block))
	assert.Equal(t, 0, p.Idle())
	assert.ErrorIs(t, p.Submit(block), ErrPoolFull)
	assert.Equal(t, 0, p.Idle())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit(block), ErrPoolStopped)
}

func TestPool_ShutdownCancelsAfterDeadline(t *testing.T) {
	p := NewPool(1, logging.Nop())
	parent, cancelParent := context.WithCancel(context.Background())
	p.Start(parent)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil
	}))
	<-started

	// Cancelling the start context does not reach running tasks.
	cancelParent()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, sawCancel.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, sawCancel.Load())
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}
