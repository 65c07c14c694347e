package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/reporter"
	"github.com/gkobilansky/abkit/internal/store"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch.Add(time.Hour) }

func pricing() *store.Experiment {
	return &store.Experiment{
		ID:   "pricing",
		Name: "Pricing page",
		Variants: []store.Variant{
			{ID: "control", Name: "Monthly first", Weight: 0.3},
			{ID: "annual", Name: "Annual first", Weight: 0.7},
		},
		StartTime:             epoch,
		TrafficFraction:       1,
		ConversionGoals:       []string{"signup"},
		SignificanceThreshold: 0.05,
		Enabled:               true,
	}
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{engine.WithClock(fixedClock)}, opts...)
	return engine.New(store.NewMemoryStore(), opts...)
}

func seeded(seed uint64) engine.Option {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return engine.WithRandom(r.Float64)
}

func TestRegisterExperiment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Experiment)
		valid  bool
	}{
		{"valid", func(*store.Experiment) {}, true},
		{"weights sum to 0.9", func(e *store.Experiment) { e.Variants[1].Weight = 0.6 }, false},
		{"weights sum to 1.1", func(e *store.Experiment) { e.Variants[1].Weight = 0.8 }, false},
		{"weights sum to 0.999999", func(e *store.Experiment) { e.Variants[1].Weight = 0.699999 }, true},
		{"weights sum to 1.000001", func(e *store.Experiment) { e.Variants[1].Weight = 0.700001 }, true},
		{"single variant", func(e *store.Experiment) { e.Variants = e.Variants[:1]; e.Variants[0].Weight = 1 }, false},
		{"negative weight", func(e *store.Experiment) {
			e.Variants = append(e.Variants, store.Variant{ID: "c", Weight: -0.1})
			e.Variants[0].Weight = 0.4
		}, false},
		{"duplicate variant id", func(e *store.Experiment) { e.Variants[1].ID = "control" }, false},
		{"empty variant id", func(e *store.Experiment) { e.Variants[1].ID = "" }, false},
		{"empty experiment id", func(e *store.Experiment) { e.ID = "" }, false},
		{"traffic above 1", func(e *store.Experiment) { e.TrafficFraction = 1.5 }, false},
		{"threshold of 1", func(e *store.Experiment) { e.SignificanceThreshold = 1 }, false},
		{"NaN threshold", func(e *store.Experiment) { e.SignificanceThreshold = math.NaN() }, false},
		{"NaN traffic", func(e *store.Experiment) { e.TrafficFraction = math.NaN() }, false},
		{"zero threshold uses default", func(e *store.Experiment) { e.SignificanceThreshold = 0 }, true},
		{"end before start", func(e *store.Experiment) {
			end := e.StartTime.Add(-time.Minute)
			e.EndTime = &end
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t)
			exp := pricing()
			tt.mutate(exp)

			err := e.RegisterExperiment(ctx, exp)
			if tt.valid {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, engine.ErrInvalidExperimentConfig)
			_, getErr := e.Store().GetExperiment(ctx, exp.ID)
			assert.ErrorIs(t, getErr, store.ErrNotFound, "rejected definition must not be stored")
		})
	}
}

func TestRegisterExperiment_DefaultsThreshold(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	exp := pricing()
	exp.SignificanceThreshold = 0

	require.NoError(t, e.RegisterExperiment(ctx, exp))

	stored, err := e.Store().GetExperiment(ctx, "pricing")
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultSignificanceThreshold, stored.SignificanceThreshold)
	assert.Zero(t, exp.SignificanceThreshold, "caller's definition must not be modified")
}

func TestRegisterExperiment_BalancedWeightsAlwaysValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.Float64Range(0, 1).Draw(t, "weight")
		exp := pricing()
		exp.Variants[0].Weight = w
		exp.Variants[1].Weight = 1 - w

		if err := engine.Validate(exp); err != nil {
			t.Fatalf("weights %v/%v rejected: %v", w, 1-w, err)
		}
	})
}

func TestGetVariant_WeightedSplit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, seeded(42))
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))

	const n = 100_000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		v, err := e.GetVariant(ctx, "pricing", fmt.Sprintf("visitor-%d", i))
		require.NoError(t, err)
		require.NotNil(t, v)
		counts[v.ID]++
	}

	assert.InDelta(t, 0.3, float64(counts["control"])/n, 0.01)
	assert.InDelta(t, 0.7, float64(counts["annual"])/n, 0.01)
}

func TestGetVariant_Sticky(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		seed := rapid.Uint64().Draw(t, "seed")
		visitor := rapid.StringMatching(`[a-z0-9-]{1,24}`).Draw(t, "visitor")
		calls := rapid.IntRange(2, 20).Draw(t, "calls")

		e := engine.New(store.NewMemoryStore(), engine.WithClock(fixedClock), seeded(seed))
		if err := e.RegisterExperiment(ctx, pricing()); err != nil {
			t.Fatal(err)
		}

		first, err := e.GetVariant(ctx, "pricing", visitor)
		if err != nil || first == nil {
			t.Fatalf("first assignment: %v, %v", first, err)
		}
		for i := 1; i < calls; i++ {
			v, err := e.GetVariant(ctx, "pricing", visitor)
			if err != nil || v == nil || v.ID != first.ID {
				t.Fatalf("call %d: got %v (%v), want %s", i, v, err, first.ID)
			}
		}
	})
}

func TestGetVariant_StickyAcrossDefinitionChanges(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))

	first, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NotNil(t, first)

	exp := pricing()
	exp.TrafficFraction = 0
	require.NoError(t, e.RegisterExperiment(ctx, exp))

	again, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NotNil(t, again, "existing assignment must survive a traffic change")
	assert.Equal(t, first.ID, again.ID)
}

func TestGetVariant_ZeroTrafficNeverAssigns(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	exp := pricing()
	exp.TrafficFraction = 0
	require.NoError(t, e.RegisterExperiment(ctx, exp))

	for i := 0; i < 1000; i++ {
		v, err := e.GetVariant(ctx, "pricing", fmt.Sprintf("visitor-%d", i))
		require.NoError(t, err)
		require.Nil(t, v)
	}

	assignments, err := e.Store().ListAssignments(ctx, "pricing")
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestGetVariant_FullTrafficAssignsEveryoneOnce(t *testing.T) {
	ctx := context.Background()
	var reported atomic.Int64
	rep := reporter.Func(func(_ context.Context, ev reporter.Event) error {
		if ev.Kind == reporter.KindAssignment {
			reported.Add(1)
		}
		return nil
	})
	e := newEngine(t, engine.WithReporter(rep))
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))

	for round := 0; round < 3; round++ {
		for i := 0; i < 200; i++ {
			v, err := e.GetVariant(ctx, "pricing", fmt.Sprintf("visitor-%d", i))
			require.NoError(t, err)
			require.NotNil(t, v)
		}
	}

	assignments, err := e.Store().ListAssignments(ctx, "pricing")
	require.NoError(t, err)
	assert.Len(t, assignments, 200)
	assert.EqualValues(t, 200, reported.Load())
}

func TestGetVariant_ExclusionIsNotSticky(t *testing.T) {
	ctx := context.Background()
	draws := []float64{0.9, 0.1, 0.5}
	next := func() float64 {
		r := draws[0]
		draws = draws[1:]
		return r
	}
	e := newEngine(t, engine.WithRandom(next))
	exp := pricing()
	exp.TrafficFraction = 0.5
	require.NoError(t, e.RegisterExperiment(ctx, exp))

	v, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	assert.Nil(t, v, "0.9 draw should exclude at 50% traffic")

	v, err = e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NotNil(t, v, "0.1 draw should include")
	assert.Equal(t, "annual", v.ID, "0.5 falls in the annual range [0.3, 1)")
}

func TestGetVariant_NotInExperiment(t *testing.T) {
	ctx := context.Background()
	end := epoch.Add(30 * time.Minute)

	tests := []struct {
		name   string
		mutate func(*store.Experiment)
		id     string
	}{
		{"unknown experiment", func(*store.Experiment) {}, "missing"},
		{"disabled", func(e *store.Experiment) { e.Enabled = false }, "pricing"},
		{"not started", func(e *store.Experiment) { e.StartTime = epoch.Add(2 * time.Hour) }, "pricing"},
		{"ended", func(e *store.Experiment) { e.EndTime = &end }, "pricing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			exp := pricing()
			tt.mutate(exp)
			require.NoError(t, e.RegisterExperiment(ctx, exp))

			v, err := e.GetVariant(ctx, tt.id, "v1")
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestGetVariant_DisabledHidesExistingAssignment(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))

	_, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NoError(t, e.SetEnabled(ctx, "pricing", false))

	v, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetVariant_ConcurrentFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	var reported atomic.Int64
	rep := reporter.Func(func(context.Context, reporter.Event) error {
		reported.Add(1)
		return nil
	})
	e := newEngine(t, engine.WithReporter(rep))
	exp := pricing()
	exp.Variants[0].Weight = 0.5
	exp.Variants[1].Weight = 0.5
	require.NoError(t, e.RegisterExperiment(ctx, exp))

	const workers = 32
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.GetVariant(ctx, "pricing", "shared-visitor")
			if err == nil && v != nil {
				results[i] = v.ID
			}
		}(i)
	}
	wg.Wait()

	for i, id := range results {
		assert.Equal(t, results[0], id, "worker %d saw a different variant", i)
	}
	assert.NotEmpty(t, results[0])
	assert.EqualValues(t, 1, reported.Load(), "exactly one assignment should be reported")
}

func TestGetVariant_ReporterFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	rep := reporter.Func(func(context.Context, reporter.Event) error {
		return errors.New("collector unreachable")
	})
	e := newEngine(t, engine.WithReporter(rep))
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))

	v, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.NoError(t, e.TrackEvent(ctx, "pricing", "v1", "signup", nil))
}

func TestActiveExperiments(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	running := pricing()
	disabled := pricing()
	disabled.ID = "disabled"
	disabled.Enabled = false
	future := pricing()
	future.ID = "future"
	future.StartTime = epoch.Add(24 * time.Hour)

	for _, exp := range []*store.Experiment{running, disabled, future} {
		require.NoError(t, e.RegisterExperiment(ctx, exp))
	}

	active := e.ActiveExperiments(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, "pricing", active[0].ID)
}

func TestSetEnabled_Unknown(t *testing.T) {
	e := newEngine(t)
	err := e.SetEnabled(context.Background(), "missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, e.RegisterExperiment(ctx, pricing()))
	_, err := e.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)

	require.NoError(t, e.ResetAll(ctx))

	assert.Empty(t, e.ActiveExperiments(ctx))
	snap, err := e.ExportData(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, snap.Experiments)
}
