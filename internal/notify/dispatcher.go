package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/pkg/schema"
)

// Dispatcher fans an event out to the notifications an ensemble subscribes.
// Failures are logged and returned in the results; they never reach the
// execution.
type Dispatcher struct {
	factory *Factory
	obs     *observability.Context
}

func NewDispatcher(factory *Factory, obs *observability.Context) *Dispatcher {
	if factory == nil {
		factory = &Factory{}
	}
	if obs == nil {
		obs = observability.Nop()
	}
	return &Dispatcher{factory: factory, obs: obs}
}

// Dispatch sends ev to every config subscribed to ev.Type. When only is
// non-empty, configs whose name is not listed are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, cfgs []schema.NotificationConfig, ev schema.ExecutionEvent, only ...string) []Result {
	var targets []Notifier
	for _, cfg := range cfgs {
		if !cfg.Subscribed(ev.Type) {
			continue
		}
		if len(only) > 0 && !slices.Contains(only, cfg.Name) {
			continue
		}
		n, err := d.factory.Build(cfg)
		if err != nil {
			d.obs.Log(ctx).Warn("notification skipped", "type", cfg.Type, "error", err)
			continue
		}
		targets = append(targets, n)
	}
	if len(targets) == 0 {
		return nil
	}

	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, n := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = n.Send(ctx, ev)
		}()
	}
	wg.Wait()

	for _, r := range results {
		if !r.Success {
			d.obs.Log(ctx).Warn("notification failed",
				"event", ev.Type, "target", r.Target, "error", r.Error)
		}
	}
	return results
}
