package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(3)
	var active, peak atomic.Int32
	for range 10 {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			cur := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return nil
		}, nil)
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int32(3), peak.Load())
	m := pool.Metrics()
	assert.Equal(t, int64(10), m.Completed)
	assert.Zero(t, m.Active)
}

func TestWorkerPool_UnboundedRunsAllAtOnce(t *testing.T) {
	pool := NewWorkerPool(0)
	release := make(chan struct{})
	var started atomic.Int32
	for range 5 {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			started.Add(1)
			<-release
			return nil
		}, nil))
	}
	assert.Eventually(t, func() bool { return started.Load() == 5 }, time.Second, time.Millisecond)
	close(release)
	pool.Wait()
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Wait()
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	var reported atomic.Value
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	}, func(err error) { reported.Store(err) }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("plain failure")
	}, nil))
	pool.Wait()

	err, _ := reported.Load().(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
}
