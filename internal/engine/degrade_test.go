package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/store"
)

var errDisk = errors.New("disk unavailable")

// flakyStore fails the selected operations and delegates the rest.
type flakyStore struct {
	store.Store
	failExperiments bool
	failAssignments bool
	failCreate      bool
	failOutcomes    bool
}

func (s *flakyStore) GetExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	if s.failExperiments {
		return nil, errDisk
	}
	return s.Store.GetExperiment(ctx, id)
}

func (s *flakyStore) ListExperiments(ctx context.Context) ([]*store.Experiment, error) {
	if s.failExperiments {
		return nil, errDisk
	}
	return s.Store.ListExperiments(ctx)
}

func (s *flakyStore) GetAssignment(ctx context.Context, experimentID, visitorID string) (string, error) {
	if s.failAssignments {
		return "", errDisk
	}
	return s.Store.GetAssignment(ctx, experimentID, visitorID)
}

func (s *flakyStore) CreateAssignment(ctx context.Context, a *store.Assignment) (string, bool, error) {
	if s.failCreate {
		return "", false, errDisk
	}
	return s.Store.CreateAssignment(ctx, a)
}

func (s *flakyStore) ListOutcomes(ctx context.Context, experimentID string) ([]*store.VisitorOutcome, error) {
	if s.failOutcomes {
		return nil, errDisk
	}
	return s.Store.ListOutcomes(ctx, experimentID)
}

func flaky(t *testing.T) (*flakyStore, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	require.NoError(t, engine.New(mem).RegisterExperiment(context.Background(), pricing()))
	return &flakyStore{Store: mem}, mem
}

func TestReadFailures_Degrade(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*flakyStore)
		check func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore)
	}{
		{
			name:  "definition read fails: not in experiment",
			setup: func(s *flakyStore) { s.failExperiments = true },
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				v, err := eng.GetVariant(ctx, "pricing", "v1")
				require.NoError(t, err)
				assert.Nil(t, v)
				assert.Empty(t, eng.CalculateStats(ctx, "pricing"))
				assert.Empty(t, eng.ActiveExperiments(ctx))
			},
		},
		{
			name:  "definition read fails: event dropped",
			setup: func(s *flakyStore) { s.failExperiments = true },
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				_, _, err := mem.CreateAssignment(ctx, &store.Assignment{ExperimentID: "pricing", VisitorID: "v1", VariantID: "control"})
				require.NoError(t, err)

				require.NoError(t, eng.TrackEvent(ctx, "pricing", "v1", "signup", nil))
				outcomes, err := mem.ListOutcomes(ctx, "pricing")
				require.NoError(t, err)
				assert.Empty(t, outcomes)
			},
		},
		{
			name:  "assignment read fails: event dropped",
			setup: func(s *flakyStore) { s.failAssignments = true },
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				_, _, err := mem.CreateAssignment(ctx, &store.Assignment{ExperimentID: "pricing", VisitorID: "v1", VariantID: "control"})
				require.NoError(t, err)

				require.NoError(t, eng.TrackEvent(ctx, "pricing", "v1", "signup", nil))
				outcomes, err := mem.ListOutcomes(ctx, "pricing")
				require.NoError(t, err)
				assert.Empty(t, outcomes)
			},
		},
		{
			name:  "assignment read fails: visitor treated as new",
			setup: func(s *flakyStore) { s.failAssignments = true },
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				v, err := eng.GetVariant(ctx, "pricing", "v1")
				require.NoError(t, err)
				require.NotNil(t, v)

				stored, err := mem.GetAssignment(ctx, "pricing", "v1")
				require.NoError(t, err)
				assert.Equal(t, v.ID, stored)
			},
		},
		{
			name: "assignment unreadable and unwritable: not in experiment",
			setup: func(s *flakyStore) {
				s.failAssignments = true
				s.failCreate = true
			},
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				v, err := eng.GetVariant(ctx, "pricing", "v1")
				require.NoError(t, err)
				assert.Nil(t, v)
			},
		},
		{
			name:  "outcomes read fails: zero counts",
			setup: func(s *flakyStore) { s.failOutcomes = true },
			check: func(t *testing.T, eng *engine.Engine, mem *store.MemoryStore) {
				result := eng.CalculateStats(ctx, "pricing")
				require.Len(t, result, 2)
				for _, v := range result {
					assert.Zero(t, v.Visitors)
					assert.Zero(t, v.Conversions)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, mem := flaky(t)
			tt.setup(fs)
			eng := engine.New(fs, engine.WithClock(fixedClock))
			tt.check(t, eng, mem)
		})
	}
}

func TestGetVariant_WriteFailureIsReturned(t *testing.T) {
	fs, _ := flaky(t)
	fs.failCreate = true
	eng := engine.New(fs, engine.WithClock(fixedClock))

	v, err := eng.GetVariant(context.Background(), "pricing", "v1")
	assert.ErrorIs(t, err, errDisk)
	assert.Nil(t, v)
}

func TestGetVariant_RoundingFallsBackToControl(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, engine.WithRandom(func() float64 { return 0.9999 }))

	exp := pricing()
	exp.Variants[1].Weight = 0.6995
	require.NoError(t, eng.RegisterExperiment(ctx, exp))

	v, err := eng.GetVariant(ctx, "pricing", "v1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "control", v.ID)
}
