package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks work run through a WorkerPool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many children of one concurrent construct run at
// once. A size of zero or less is unbounded.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
}

func NewWorkerPool(size int) *WorkerPool {
	p := &WorkerPool{}
	if size > 0 {
		p.sem = make(chan struct{}, size)
	}
	return p
}

// Submit starts fn once a slot is free. It blocks while the pool is at
// capacity and gives up with the context error if ctx ends first. A panic
// in fn is recovered and reported to fn's caller through onPanic.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error, onPanic func(error)) error {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if onPanic != nil {
					onPanic(fmt.Errorf("panic: %v", r))
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if p.sem != nil {
				<-p.sem
			}
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
