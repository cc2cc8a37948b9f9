package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name string
		cfg  schema.RetryConfig
		want []time.Duration
	}{
		{
			name: "exponential doubles then caps",
			cfg:  schema.RetryConfig{Backoff: schema.BackoffExponential, InitialDelay: 100, MaxDelay: 1000},
			want: []time.Duration{100, 200, 400, 800, 1000, 1000},
		},
		{
			name: "linear grows by initial",
			cfg:  schema.RetryConfig{Backoff: schema.BackoffLinear, InitialDelay: 100, MaxDelay: 250},
			want: []time.Duration{100, 200, 250, 250},
		},
		{
			name: "fixed stays flat",
			cfg:  schema.RetryConfig{Backoff: schema.BackoffFixed, InitialDelay: 50, MaxDelay: 1000},
			want: []time.Duration{50, 50, 50},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want*time.Millisecond, ComputeBackoff(tt.cfg, i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestComputeBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	cfg := normalizeRetry(&schema.RetryConfig{Attempts: 100})
	assert.Equal(t, time.Duration(DefaultMaxDelay)*time.Millisecond, ComputeBackoff(cfg, 90))
}

func TestNormalizeRetry_Defaults(t *testing.T) {
	cfg := normalizeRetry(nil)
	assert.Equal(t, 1, cfg.Attempts)

	cfg = normalizeRetry(&schema.RetryConfig{Attempts: 3})
	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, schema.BackoffExponential, cfg.Backoff)
	assert.Equal(t, int64(DefaultInitialDelay), cfg.InitialDelay)
	assert.Equal(t, int64(DefaultMaxDelay), cfg.MaxDelay)
}

func TestWithRetry_StopsOnSuccess(t *testing.T) {
	cfg := normalizeRetry(&schema.RetryConfig{Attempts: 5, Backoff: schema.BackoffFixed, InitialDelay: 1})
	var delays []time.Duration
	v, attempts, err := withRetry(context.Background(), cfg,
		func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
		func(_ context.Context, attempt int) (string, error) {
			if attempt < 2 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond}, delays)
}

func TestWithRetry_NeverRetriesCancellation(t *testing.T) {
	cfg := normalizeRetry(&schema.RetryConfig{Attempts: 5, InitialDelay: 1})
	calls := 0
	_, attempts, err := withRetry(context.Background(), cfg, nil, func(context.Context, int) (int, error) {
		calls++
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextEndsDuringBackoff(t *testing.T) {
	cfg := normalizeRetry(&schema.RetryConfig{Attempts: 3, Backoff: schema.BackoffFixed, InitialDelay: 5000})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, attempts, err := withRetry(ctx, cfg, nil, func(context.Context, int) (int, error) {
		return 0, errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryable_MatchesCodesAndKinds(t *testing.T) {
	cfg := schema.RetryConfig{RetryOn: []string{"TimeoutError", "CACHE_ERROR"}}
	assert.True(t, retryable(cfg, schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.True(t, retryable(cfg, schema.NewError(schema.ErrCodeCache, "miss")))
	assert.False(t, retryable(cfg, schema.NewError(schema.ErrCodeValidation, "bad")))
	assert.True(t, retryable(schema.RetryConfig{}, errors.New("anything")))
}

func TestRetryable_ScoringErrorsNeverRetry(t *testing.T) {
	scoring := schema.NewError(schema.ErrCodeScoring, "stalled")
	assert.False(t, retryable(schema.RetryConfig{}, scoring))
	assert.False(t, retryable(schema.RetryConfig{RetryOn: []string{"ScoringError"}}, scoring))
}
