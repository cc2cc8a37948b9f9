package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/cache"
	"github.com/rendis/ensemble/internal/hitl"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// recordingSink collects every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []schema.ExecutionEvent
}

func (s *recordingSink) Record(_ context.Context, ev schema.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) Count(evType string) int {
	n := 0
	for _, t := range s.Types() {
		if t == evType {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t         *testing.T
	exec      Executor
	agents    *agents.Registry
	ensembles *Registry
	sink      *recordingSink
	obs       *observability.Context
	clock     *fakeClock
	hub       *notify.MemoryHub
}

// newHarness wires an executor over in-memory stores. The suspension
// controller runs on a fake clock; everything else uses wall time.
func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(agents.NewApprovalAgent()))
	require.NoError(t, reg.Register(agents.Func{AgentName: "echo", Fn: func(_ context.Context, ec agents.ExecutionContext) (*agents.Result, error) {
		return agents.OK(ec.Input), nil
	}}))

	sink := &recordingSink{}
	obs := observability.New(nil, nil, sink)
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryStore()
	hub := notify.NewMemoryHub()
	dispatcher := notify.NewDispatcher(&notify.Factory{Hub: hub}, obs)
	seq := 0
	ctrl := hitl.NewController(store.NewKVSuspensionStore(kv), dispatcher, obs, hitl.Options{
		BaseURL: "https://ensemble.test",
		Now:     clk.Now,
		NewID: func() string {
			seq++
			return "resume-" + string(rune('0'+seq))
		},
	})
	ensembles := NewRegistry(nil)
	exec, err := NewExecutor(Deps{
		Agents:     reg,
		Ensembles:  ensembles,
		Cache:      cache.New(kv, obs),
		HITL:       ctrl,
		Dispatcher: dispatcher,
		Obs:        obs,
	}, Config{Env: map[string]any{"region": "eu-west"}})
	require.NoError(t, err)

	return &harness{t: t, exec: exec, agents: reg, ensembles: ensembles, sink: sink, obs: obs, clock: clk, hub: hub}
}

func (h *harness) agent(name string, fn func(ctx context.Context, ec agents.ExecutionContext) (*agents.Result, error)) {
	h.t.Helper()
	require.NoError(h.t, h.agents.Register(agents.Func{AgentName: name, Fn: fn}))
}

// counter registers an agent that counts its invocations and returns the
// running count.
func (h *harness) counter(name string) *atomic.Int32 {
	var n atomic.Int32
	h.agent(name, func(_ context.Context, _ agents.ExecutionContext) (*agents.Result, error) {
		return agents.OK(map[string]any{"n": n.Add(1)}), nil
	})
	return &n
}

func (h *harness) failing(name, msg string) *atomic.Int32 {
	var n atomic.Int32
	h.agent(name, func(_ context.Context, _ agents.ExecutionContext) (*agents.Result, error) {
		n.Add(1)
		return agents.Failed(msg), nil
	})
	return &n
}

func (h *harness) parse(src string) *schema.Ensemble {
	h.t.Helper()
	ens, err := schema.ParseEnsemble([]byte(src))
	require.NoError(h.t, err)
	return ens
}

func (h *harness) register(src string) *schema.Ensemble {
	h.t.Helper()
	ens := h.parse(src)
	require.NoError(h.t, h.ensembles.Register(ens))
	return ens
}

func (h *harness) run(src string, input map[string]any) *Result {
	h.t.Helper()
	res, err := h.exec.Run(context.Background(), h.parse(src), input)
	require.NoError(h.t, err)
	return res
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
