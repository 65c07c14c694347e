package reporter

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const DefaultQueueSize = 1024

var (
	ErrQueueFull = errors.New("report queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Dispatcher makes a sink fire-and-forget. Report only enqueues; a single worker
// delivers events in order and logs delivery failures. Nothing a sink does can
// block or fail the caller beyond a dropped event.
type Dispatcher struct {
	sink    Reporter
	log     *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

func WithDispatchLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher starts the delivery worker. Call Close to drain and stop it.
func NewDispatcher(sink Reporter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:  sink,
		log:   zap.NewNop(),
		queue: make(chan Event, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.run()
	return d
}

// Report enqueues ev without blocking.
func (d *Dispatcher) Report(_ context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- ev:
		return nil
	default:
		if d.metrics != nil {
			d.metrics.Dropped.Inc()
		}
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for ev := range d.queue {
		// Delivery is detached from the caller's context, which is usually
		// finished by the time the event is sent.
		if err := d.sink.Report(context.Background(), ev); err != nil {
			if d.metrics != nil {
				d.metrics.Failed.Inc()
			}
			d.log.Warn("failed to deliver report",
				zap.String("kind", string(ev.Kind)),
				zap.String("experiment", ev.ExperimentID),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered, or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
