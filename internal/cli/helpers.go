package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/reporter"
	"github.com/gkobilansky/abkit/internal/store"
)

const drainTimeout = 5 * time.Second

func (a *app) openStore() (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	if a.cfg.DB.Driver == store.DriverBadger {
		s, err = store.OpenBadger(store.BadgerConfig{
			Path:       a.cfg.DB.Path,
			SyncWrites: true,
			Logger:     a.log.Logger,
		})
	} else {
		s, err = store.Open(a.cfg.DB.Driver, a.cfg.DB.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

// newReporter builds the collector chain: activity is always logged, counted
// in Prometheus when reg is set, and forwarded to the configured collector
// through a Dispatcher. The returned func drains the dispatcher.
func (a *app) newReporter(reg prometheus.Registerer) (reporter.Reporter, func()) {
	sinks := reporter.Fanout{reporter.NewLog(a.log.Logger)}

	var metrics *reporter.Metrics
	if reg != nil {
		metrics = reporter.NewMetrics(reg)
		sinks = append(sinks, metrics)
	}

	collector := a.cfg.Collector
	if collector.URL == "" {
		return sinks, func() {}
	}

	opts := []reporter.DispatcherOption{
		reporter.WithQueueSize(collector.QueueSize),
		reporter.WithDispatchLogger(a.log.Logger),
	}
	if metrics != nil {
		opts = append(opts, reporter.WithDispatchMetrics(metrics))
	}
	dispatcher := reporter.NewDispatcher(reporter.NewBeacon(reporter.BeaconConfig{
		URL:     collector.URL,
		Timeout: collector.Timeout,
		Rate:    collector.Rate,
		Burst:   collector.Burst,
	}), opts...)
	sinks = append(sinks, dispatcher)

	return sinks, func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := dispatcher.Close(ctx); err != nil {
			a.log.Warn("collector queue not drained", zap.Error(err))
		}
	}
}

// withEngine opens the database, builds an engine over it, executes the
// function, and handles cleanup.
func (a *app) withEngine(fn func(*engine.Engine) error) error {
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	rep, drain := a.newReporter(nil)
	defer drain()

	return fn(engine.New(s, engine.WithReporter(rep), engine.WithLogger(a.log.Logger)))
}

// tokenFilePath resolves a relative token file alongside the database.
func (a *app) tokenFilePath() string {
	path := a.cfg.Server.TokenFile
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(a.cfg.DB.Path), path)
}

// findExperiment returns the snapshot for id, or a not-found error.
func findExperiment(ctx context.Context, eng *engine.Engine, id string) (*engine.ExperimentSnapshot, error) {
	snap, err := eng.ExportData(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(snap.Experiments) == 0 {
		return nil, fmt.Errorf("experiment '%s' not found", id)
	}
	return &snap.Experiments[0], nil
}

func notFound(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("experiment '%s' not found", id)
	}
	return err
}
