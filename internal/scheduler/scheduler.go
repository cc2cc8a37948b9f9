// Package scheduler runs periodic maintenance jobs on a cron schedule. The
// only job today is the suspension expiry sweep.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/pkg/schema"
)

// DefaultSweepSchedule is used when no schedule is configured.
const DefaultSweepSchedule = "@every 1m"

// Expirer resolves suspensions whose deadline has passed. Satisfied by the
// engine executor.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Purger drops key-value entries whose TTL has passed, for stores that do
// not expire entries on their own.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper calls Expirer.ExpireDue on a cron schedule. Overlapping sweeps
// are skipped rather than queued.
type Sweeper struct {
	expirer  Expirer
	purger   Purger
	obs      *observability.Context
	spec     string
	schedule cron.Schedule

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	inflight atomic.Bool
	runs     atomic.Int64
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper parses spec (five-field cron or a descriptor such as
// "@every 30s"). An empty spec uses DefaultSweepSchedule.
func NewSweeper(expirer Expirer, spec string, obs *observability.Context) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q", spec).WithCause(err)
	}
	if obs == nil {
		obs = observability.Nop()
	}
	return &Sweeper{expirer: expirer, obs: obs, spec: spec, schedule: sched}, nil
}

// WithPurger makes every sweep also purge expired store entries.
func (s *Sweeper) WithPurger(p Purger) *Sweeper {
	s.purger = p
	return s
}

// Start runs one sweep immediately, to catch suspensions that lapsed while
// the process was down, then hands the schedule to cron.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return schema.NewError(schema.ErrCodeConflict, "sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.obs.Logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Sweep(runCtx) }))

	s.Sweep(runCtx)
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.obs.Logger.Info("expiry sweeper started", slog.String("schedule", s.spec))
	return nil
}

// Stop cancels any running sweep and waits for it to return. Stopping a
// sweeper that is not running is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil
	s.obs.Logger.Info("expiry sweeper stopped")
}

// Sweep expires overdue suspensions once and returns how many it resolved.
// A call made while another sweep is in flight returns 0 without work.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if !s.inflight.CompareAndSwap(false, true) {
		return 0
	}
	defer s.inflight.Store(false)
	s.runs.Add(1)

	if s.purger != nil {
		if purged, err := s.purger.PurgeExpired(ctx); err != nil {
			s.obs.Log(ctx).Warn("purge expired entries failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			s.obs.Log(ctx).Debug("purged expired entries", slog.Int64("count", purged))
		}
	}

	n, err := s.expirer.ExpireDue(ctx)
	if err != nil {
		s.obs.Log(ctx).Error("expiry sweep failed", slog.String("error", err.Error()))
		return n
	}
	if n > 0 {
		s.obs.Log(ctx).Info("expired suspensions", slog.Int("count", n))
	}
	return n
}

// Runs reports how many sweeps have executed.
func (s *Sweeper) Runs() int64 { return s.runs.Load() }

// NextRun is the first scheduled sweep after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// cronLogger routes cron's own diagnostics through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
