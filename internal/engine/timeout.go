package engine

import (
	"context"
	"errors"
	"time"
)

type outcome[T any] struct {
	v   T
	err error
}

// withTimeout races fn against d. When the deadline wins it returns
// timedOut=true without waiting for fn; fn's context is cancelled but any
// side effect it already started is not undone. A zero d runs fn inline.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (v T, timedOut bool, err error) {
	if d <= 0 {
		v, err = fn(ctx)
		return v, false, err
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		r, e := fn(tctx)
		done <- outcome[T]{v: r, err: e}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil && tctx.Err() != nil {
			return v, true, nil
		}
		return r.v, false, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return v, false, err
		}
		return v, true, nil
	}
}
