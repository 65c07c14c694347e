package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/reporter"
	"github.com/gkobilansky/abkit/internal/store"
)

// GetVariant returns the visitor's variant, assigning one on first call.
//
// A nil variant with a nil error means "not in experiment": the experiment is
// unknown, disabled or outside its window, or the traffic draw excluded the
// visitor. Exclusion is not remembered; inclusion is.
func (e *Engine) GetVariant(ctx context.Context, experimentID, visitorID string) (*store.Variant, error) {
	exp := e.lookup(ctx, experimentID)
	if exp == nil {
		return nil, nil
	}
	now := e.now()
	if !exp.IsActive(now) {
		return nil, nil
	}

	variantID, err := e.store.GetAssignment(ctx, experimentID, visitorID)
	readFailed := false
	switch {
	case err == nil:
		return resolve(exp, variantID), nil
	case !errors.Is(err, store.ErrNotFound):
		readFailed = true
		e.log.Warn("failed to read assignment, treating visitor as new",
			zap.String("experiment", experimentID),
			zap.String("visitor", visitorID),
			zap.Error(err))
	}

	if e.random() >= exp.TrafficFraction {
		return nil, nil
	}

	chosen := pick(exp.Variants, e.random())
	variantID, created, err := e.store.CreateAssignment(ctx, &store.Assignment{
		ExperimentID: experimentID,
		VisitorID:    visitorID,
		VariantID:    chosen.ID,
		CreatedAt:    now.UTC(),
	})
	if err != nil {
		// The stored state for this visitor is unreadable; serve the default
		// experience rather than fail on every request.
		if readFailed {
			e.log.Warn("failed to persist assignment over unreadable state, visitor not in experiment",
				zap.String("experiment", experimentID),
				zap.String("visitor", visitorID),
				zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	if created {
		e.report(ctx, reporter.Event{
			Kind:         reporter.KindAssignment,
			ExperimentID: experimentID,
			VariantID:    variantID,
			VisitorID:    visitorID,
			Timestamp:    now.UTC(),
		})
	}

	return resolve(exp, variantID), nil
}

// pick selects the variant whose cumulative weight range contains r.
func pick(variants []store.Variant, r float64) store.Variant {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Weight
		if r < cumulative {
			return v
		}
	}
	return variants[0]
}

// resolve maps a stored variant id back to its definition. Assignments to a
// variant that has since been removed resolve to the control.
func resolve(exp *store.Experiment, variantID string) *store.Variant {
	v, ok := exp.Variant(variantID)
	if !ok {
		v = exp.Control()
	}
	return &v
}
