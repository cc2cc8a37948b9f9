package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeout_ZeroRunsInline(t *testing.T) {
	v, timedOut, err := withTimeout(context.Background(), 0, func(ctx context.Context) (int, error) {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return 42, nil
	})
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 42, v)
}

func TestWithTimeout_DeadlineWinsWithoutWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, timedOut, err := withTimeout(context.Background(), 15*time.Millisecond, func(ctx context.Context) (string, error) {
		<-release // ignores its context on purpose
		return "late", nil
	})
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithTimeout_PropagatesErrors(t *testing.T) {
	_, timedOut, err := withTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, errors.New("broken")
	})
	assert.False(t, timedOut)
	assert.EqualError(t, err, "broken")
}

func TestWithTimeout_ParentCancelIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, timedOut, err := withTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.False(t, timedOut)
	assert.ErrorIs(t, err, context.Canceled)
}
