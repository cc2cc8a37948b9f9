package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Retry defaults, in milliseconds.
const (
	DefaultInitialDelay = 100
	DefaultMaxDelay     = 30_000
)

// normalizeRetry fills defaults. A nil config means a single attempt.
func normalizeRetry(cfg *schema.RetryConfig) schema.RetryConfig {
	out := schema.RetryConfig{Attempts: 1, Backoff: schema.BackoffExponential}
	if cfg == nil {
		return out
	}
	out = *cfg
	if out.Attempts < 1 {
		out.Attempts = 1
	}
	if out.Backoff == "" {
		out.Backoff = schema.BackoffExponential
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = DefaultInitialDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	return out
}

// ComputeBackoff returns the delay between attempt n and n+1 (n starts at
// 1): fixed is initialDelay, linear is initialDelay*n, exponential is
// initialDelay*2^(n-1). The result never exceeds maxDelay.
func ComputeBackoff(cfg schema.RetryConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	initial := cfg.InitialDelay
	var ms int64
	switch cfg.Backoff {
	case schema.BackoffFixed:
		ms = initial
	case schema.BackoffLinear:
		ms = initial * int64(n)
	default:
		ms = initial
		for i := 1; i < n && i < 62 && (cfg.MaxDelay <= 0 || ms < cfg.MaxDelay); i++ {
			ms *= 2
		}
	}
	if cfg.MaxDelay > 0 && ms > cfg.MaxDelay {
		ms = cfg.MaxDelay
	}
	return time.Duration(ms) * time.Millisecond
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable reports whether err may be attempted again under cfg.
// Cancellation and scoring failures never are; the scoring loop has its
// own retry budget. With retryOn set, only the listed kinds are.
func retryable(cfg schema.RetryConfig, err error) bool {
	if errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeScoring) {
		return false
	}
	if len(cfg.RetryOn) > 0 {
		return schema.MatchesKind(err, cfg.RetryOn)
	}
	return true
}

// withRetry runs fn up to cfg.Attempts times. onRetry is called before each
// wait. It returns the number of attempts made.
func withRetry[T any](ctx context.Context, cfg schema.RetryConfig, onRetry func(attempt int, err error, delay time.Duration), fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; ; attempt++ {
		var v T
		v, err = fn(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}
		if attempt >= cfg.Attempts || !retryable(cfg, err) || ctx.Err() != nil {
			return zero, attempt, err
		}
		delay := ComputeBackoff(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return zero, attempt, err
		}
	}
}
