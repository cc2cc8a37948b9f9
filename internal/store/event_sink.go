package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/ensemble/pkg/schema"
)

// EventLogSink records execution events into an EventAppender.
type EventLogSink struct {
	appender EventAppender
}

func NewEventLogSink(appender EventAppender) *EventLogSink {
	return &EventLogSink{appender: appender}
}

func (s *EventLogSink) Record(ctx context.Context, ev schema.ExecutionEvent) error {
	var payload json.RawMessage
	if len(ev.Data) > 0 || ev.Status != "" {
		data := map[string]any{"status": ev.Status}
		for k, v := range ev.Data {
			data[k] = v
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = raw
	}
	return s.appender.AppendEvent(ctx, &Event{
		ExecutionID: ev.ExecutionID,
		Ensemble:    ev.Ensemble,
		Step:        ev.Step,
		Type:        ev.Type,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
	})
}
