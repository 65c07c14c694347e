package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/reporter"
	"github.com/gkobilansky/abkit/internal/stats"
	"github.com/gkobilansky/abkit/internal/store"
)

// TrackEvent records an event for an assigned visitor. It is a no-op when the
// experiment is unknown or disabled, or when the visitor has no assignment.
// Only a failure to persist the event is returned.
func (e *Engine) TrackEvent(ctx context.Context, experimentID, visitorID, eventName string, metadata store.Metadata) error {
	exp := e.lookup(ctx, experimentID)
	if exp == nil || !exp.Enabled {
		return nil
	}

	variantID, err := e.store.GetAssignment(ctx, experimentID, visitorID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("failed to read assignment, dropping event",
				zap.String("experiment", experimentID),
				zap.String("visitor", visitorID),
				zap.Error(err))
		}
		return nil
	}

	ev := &store.Event{
		ExperimentID: experimentID,
		VariantID:    variantID,
		VisitorID:    visitorID,
		Name:         eventName,
		Metadata:     metadata,
		Timestamp:    e.now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	report := reporter.Event{
		Kind:         reporter.KindEvent,
		ExperimentID: experimentID,
		VariantID:    variantID,
		VisitorID:    visitorID,
		EventName:    eventName,
		Metadata:     metadata,
		Timestamp:    ev.Timestamp,
	}
	e.report(ctx, report)

	if exp.IsConversion(eventName) {
		report.Kind = reporter.KindConversion
		e.report(ctx, report)
	}

	return nil
}

// CalculateStats computes per-variant statistics from the stored outcomes. It
// returns nothing for an experiment that is unknown, disabled or outside its
// window. Use ExportData for statistics on inactive experiments.
func (e *Engine) CalculateStats(ctx context.Context, experimentID string) []stats.VariantStats {
	exp := e.lookup(ctx, experimentID)
	if exp == nil || !exp.IsActive(e.now()) {
		return nil
	}

	outcomes, err := e.store.ListOutcomes(ctx, experimentID)
	if err != nil {
		e.log.Warn("failed to read outcomes, treating as empty",
			zap.String("experiment", experimentID), zap.Error(err))
		outcomes = nil
	}

	return stats.Calculate(exp, outcomes)
}
