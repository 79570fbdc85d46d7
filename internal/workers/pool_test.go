package workers

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(zap.NewNop(), PoolConfig{
		Name:        "test",
		NumWorkers:  2,
		QueueSize:   8,
		TaskTimeout: time.Second,
	})
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestSubmitBeforeStartFails(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("idle"))
	err := p.SubmitFunc(func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmitWaitReturnsTaskError(t *testing.T) {
	p := newTestPool(t)

	sentinel := errors.New("boom")
	err := p.SubmitWait(TaskFunc(func() error { return sentinel }))
	assert.ErrorIs(t, err, sentinel)

	require.NoError(t, p.SubmitWait(TaskFunc(func() error { return nil })))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestRunAllCollectsErrors(t *testing.T) {
	p := newTestPool(t)

	var ran atomic.Int32
	fns := []func() error{
		func() error { ran.Add(1); return nil },
		func() error { ran.Add(1); return errors.New("one") },
		func() error { ran.Add(1); return errors.New("two") },
	}
	errs := p.RunAll(fns)
	assert.Len(t, errs, 2)
	assert.Equal(t, int32(3), ran.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	p := newTestPool(t)

	err := p.SubmitWait(TaskFunc(func() error { panic("kaboom") }))
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return p.Stats().Recovered == 1
	}, time.Second, 10*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	p := NewPool(zap.NewNop(), PoolConfig{
		Name:        "tiny",
		NumWorkers:  1,
		QueueSize:   1,
		TaskTimeout: time.Second,
	})
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func() error { <-block; return nil }))

	// fill the queue, then overflow it
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := p.SubmitFunc(func() error { return nil }); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	close(block)
	assert.True(t, sawFull)
}

func TestStopIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}
