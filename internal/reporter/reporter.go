// Package reporter relays experiment activity to external analytics collectors.
//
// The engine treats every collector as best-effort: it calls Report and logs the
// error, if any, but never depends on the outcome. Wrap slow or networked sinks
// in a Dispatcher so that Report returns without waiting on I/O.
package reporter

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindAssignment Kind = "assignment"
	KindEvent      Kind = "event"
	KindConversion Kind = "conversion"
)

// Event is the structured payload sent to collectors.
type Event struct {
	Kind         Kind           `json:"kind"`
	ExperimentID string         `json:"experiment_id"`
	VariantID    string         `json:"variant_id"`
	VisitorID    string         `json:"visitor_id,omitempty"`
	EventName    string         `json:"event_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Reporter sends a named event with structured properties to a collector.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

// Func adapts a function to the Reporter interface.
type Func func(ctx context.Context, ev Event) error

func (f Func) Report(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
var Nop Reporter = Func(func(context.Context, Event) error { return nil })

// Fanout delivers each event to every reporter and joins their errors.
type Fanout []Reporter

func (f Fanout) Report(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range f {
		if err := r.Report(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
