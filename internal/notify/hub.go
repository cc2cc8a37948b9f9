package notify

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/ensemble/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	Ensemble    string   `json:"ensemble,omitempty"`
	Types       []string `json:"types,omitempty"`
}

func (f Filter) match(ev schema.ExecutionEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != ev.ExecutionID {
		return false
	}
	if f.Ensemble != "" && f.Ensemble != ev.Ensemble {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	ch     chan schema.ExecutionEvent
	filter Filter
}

// MemoryHub is an in-process pub/sub of execution events.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers ev to every matching subscriber without blocking; a full
// subscriber channel drops the event.
func (h *MemoryHub) Publish(ctx context.Context, ev schema.ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Record lets the hub act as an observability sink, so subscribers see
// every lifecycle event and not only those an ensemble routes to it.
func (h *MemoryHub) Record(ctx context.Context, ev schema.ExecutionEvent) error {
	return h.Publish(context.WithoutCancel(ctx), ev)
}

// Subscribe registers a filtered subscription. The returned func removes it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := h.seq.Add(1)
	ch := make(chan schema.ExecutionEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// HubNotifier publishes events into a MemoryHub.
type HubNotifier struct {
	Hub *MemoryHub
}

func (n *HubNotifier) Send(ctx context.Context, ev schema.ExecutionEvent) Result {
	if err := n.Hub.Publish(ctx, ev); err != nil {
		return failed("hub", err)
	}
	return Result{Success: true, Target: "hub"}
}
