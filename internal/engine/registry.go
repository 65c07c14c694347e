package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/stats"
	"github.com/gkobilansky/abkit/internal/store"
)

var ErrInvalidExperimentConfig = errors.New("invalid experiment config")

const (
	DefaultSignificanceThreshold = 0.05

	// weightTolerance bounds how far the variant weights may sum from 1.
	weightTolerance = 1e-3
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidExperimentConfig, fmt.Sprintf(format, args...))
}

// Validate checks a definition. Every failure wraps ErrInvalidExperimentConfig.
func Validate(exp *store.Experiment) error {
	if exp.ID == "" {
		return invalid("experiment id is required")
	}
	if len(exp.Variants) < 2 {
		return invalid("need at least 2 variants, got %d", len(exp.Variants))
	}

	seen := make(map[string]bool, len(exp.Variants))
	sum := 0.0
	for _, v := range exp.Variants {
		if v.ID == "" {
			return invalid("variant id is required")
		}
		if seen[v.ID] {
			return invalid("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true

		if v.Weight < 0 || v.Weight > 1 || math.IsNaN(v.Weight) {
			return invalid("variant %q weight %v outside [0, 1]", v.ID, v.Weight)
		}
		sum += v.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return invalid("variant weights sum to %v, want 1", sum)
	}

	if exp.TrafficFraction < 0 || exp.TrafficFraction > 1 || math.IsNaN(exp.TrafficFraction) {
		return invalid("traffic fraction %v outside [0, 1]", exp.TrafficFraction)
	}
	if exp.SignificanceThreshold <= 0 || exp.SignificanceThreshold >= 1 || math.IsNaN(exp.SignificanceThreshold) {
		return invalid("significance threshold %v outside (0, 1)", exp.SignificanceThreshold)
	}
	if exp.MinimumSampleSize < 0 {
		return invalid("minimum sample size %d is negative", exp.MinimumSampleSize)
	}
	if exp.EndTime != nil && exp.EndTime.Before(exp.StartTime) {
		return invalid("end time %s before start time %s", exp.EndTime, exp.StartTime)
	}

	return nil
}

// RegisterExperiment validates and stores a definition, replacing any prior
// definition with the same id. Nothing is stored when validation fails.
func (e *Engine) RegisterExperiment(ctx context.Context, exp *store.Experiment) error {
	def := *exp
	if def.SignificanceThreshold == 0 {
		def.SignificanceThreshold = DefaultSignificanceThreshold
	}

	if err := Validate(&def); err != nil {
		return err
	}

	if err := e.store.SaveExperiment(ctx, &def); err != nil {
		return fmt.Errorf("failed to register experiment: %w", err)
	}

	e.log.Debug("experiment registered",
		zap.String("experiment", def.ID),
		zap.Int("variants", len(def.Variants)),
		zap.Bool("enabled", def.Enabled))
	return nil
}

// SetEnabled flips an experiment's kill switch.
func (e *Engine) SetEnabled(ctx context.Context, experimentID string, enabled bool) error {
	if err := e.store.SetExperimentEnabled(ctx, experimentID, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	return nil
}

// ActiveExperiments returns the enabled experiments whose window contains now.
func (e *Engine) ActiveExperiments(ctx context.Context) []*store.Experiment {
	exps, err := e.store.ListExperiments(ctx)
	if err != nil {
		e.log.Warn("failed to list experiments, treating as empty", zap.Error(err))
		return nil
	}

	now := e.now()
	var active []*store.Experiment
	for _, exp := range exps {
		if exp.IsActive(now) {
			active = append(active, exp)
		}
	}
	return active
}

// Snapshot is a point-in-time export for offline analysis.
type Snapshot struct {
	Experiments []ExperimentSnapshot `json:"experiments"`
}

type ExperimentSnapshot struct {
	Definition  *store.Experiment       `json:"definition"`
	Assignments []*store.Assignment     `json:"assignments"`
	Outcomes    []*store.VisitorOutcome `json:"outcomes"`
	Stats       []stats.VariantStats    `json:"stats"`
}

// ExportData returns definitions, assignments, outcomes and statistics for one
// experiment, or for all of them when experimentID is empty. Statistics are
// computed whether or not the experiment is currently active. An unknown id
// yields an empty snapshot.
func (e *Engine) ExportData(ctx context.Context, experimentID string) (*Snapshot, error) {
	var exps []*store.Experiment
	if experimentID == "" {
		all, err := e.store.ListExperiments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list experiments: %w", err)
		}
		exps = all
	} else {
		exp, err := e.store.GetExperiment(ctx, experimentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to get experiment: %w", err)
		default:
			exps = append(exps, exp)
		}
	}

	snap := &Snapshot{Experiments: make([]ExperimentSnapshot, 0, len(exps))}
	for _, exp := range exps {
		assignments, err := e.store.ListAssignments(ctx, exp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list assignments: %w", err)
		}
		outcomes, err := e.store.ListOutcomes(ctx, exp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list outcomes: %w", err)
		}

		snap.Experiments = append(snap.Experiments, ExperimentSnapshot{
			Definition:  exp,
			Assignments: assignments,
			Outcomes:    outcomes,
			Stats:       stats.Calculate(exp, outcomes),
		})
	}

	return snap, nil
}

// ResetAll irreversibly clears definitions, assignments and events. It exists
// for tests and debugging.
func (e *Engine) ResetAll(ctx context.Context) error {
	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	e.log.Warn("all experiment data cleared")
	return nil
}
