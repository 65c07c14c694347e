// Package engine implements the experiment engine: sticky variant assignment,
// the experiment event log, and on-demand statistics.
//
// An Engine is constructed once by the host and shared. All state lives in the
// injected store.Store, so two Engines over the same store agree with each other
// and a fresh Engine per test needs nothing but a fresh store.
package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/reporter"
	"github.com/gkobilansky/abkit/internal/store"
)

type Engine struct {
	store    store.Store
	reporter reporter.Reporter
	log      *zap.Logger
	now      func() time.Time
	random   func() float64
}

type Option func(*Engine)

// WithReporter sets the external collector. Reports are best-effort; pass a
// reporter.Dispatcher to keep slow collectors off the caller's path.
func WithReporter(r reporter.Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRandom replaces the uniform [0, 1) source used for traffic and variant draws.
func WithRandom(random func() float64) Option {
	return func(e *Engine) {
		if random != nil {
			e.random = random
		}
	}
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		reporter: reporter.Nop,
		log:      zap.NewNop(),
		now:      time.Now,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("engine")
	return e
}

// Store returns the engine's backing store.
func (e *Engine) Store() store.Store {
	return e.store
}

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

// lookup resolves an experiment definition. A missing or unreadable definition
// is reported as nil: callers treat both as "not in experiment".
func (e *Engine) lookup(ctx context.Context, experimentID string) *store.Experiment {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("failed to read experiment, treating as absent",
				zap.String("experiment", experimentID), zap.Error(err))
		}
		return nil
	}
	return exp
}

// report hands ev to the collector and swallows any failure.
func (e *Engine) report(ctx context.Context, ev reporter.Event) {
	if err := e.reporter.Report(ctx, ev); err != nil {
		e.log.Warn("failed to report experiment activity",
			zap.String("kind", string(ev.Kind)),
			zap.String("experiment", ev.ExperimentID),
			zap.Error(err))
	}
}
