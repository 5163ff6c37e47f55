package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGoroutinePool_RunsSubmittedTasks(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{Workers: 2, QueueSize: 16}, zaptest.NewLogger(t))

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(10), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestGoroutinePool_RejectsWhenFull(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{Workers: 1, QueueSize: 1}, zaptest.NewLogger(t))
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{Workers: 1, QueueSize: 1}, nil)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
	// 重复关闭是安全的
	require.NoError(t, p.Close(context.Background()))
}

func TestGoroutinePool_FailuresAndPanics(t *testing.T) {
	var recovered atomic.Value
	p := NewGoroutinePool(GoroutinePoolConfig{
		Workers:      1,
		QueueSize:    4,
		PanicHandler: func(r any) { recovered.Store(r) },
	}, zaptest.NewLogger(t))

	require.NoError(t, p.Submit(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func(ctx context.Context) error { panic("kaboom") }))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int64(2), p.Stats().Failed)
	assert.Equal(t, "kaboom", recovered.Load())
}

func TestGoroutinePool_TaskTimeout(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{Workers: 1, QueueSize: 1, TaskTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}))
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
	require.NoError(t, p.Close(context.Background()))
}

func TestGoroutinePool_CloseDeadlineCancelsRunningTasks(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{Workers: 1, QueueSize: 1}, zaptest.NewLogger(t))
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

func TestByteBufferPool(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("hello")
	ByteBufferPool.Put(buf)

	again := ByteBufferPool.Get()
	assert.Zero(t, again.Len())
	ByteBufferPool.Put(again)
	assert.GreaterOrEqual(t, ByteBufferPool.HitRate(), 0.0)
}
