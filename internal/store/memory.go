package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It is used by tests and by
// throwaway servers started with the memory driver.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	order       []string
	assignments map[string]map[string]*Assignment // experiment -> visitor -> assignment
	events      map[string][]Event                // experiment -> events in append order
	settings    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
		assignments: make(map[string]map[string]*Assignment),
		events:      make(map[string][]Event),
		settings:    make(map[string]string),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneExperiment(exp)
	stored.UpdatedAt = now
	if prev, ok := s.experiments[exp.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
		s.order = append(s.order, exp.ID)
	}
	s.experiments[exp.ID] = stored
	return nil
}

func (s *MemoryStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExperiment(exp), nil
}

func (s *MemoryStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exps := make([]*Experiment, 0, len(s.order))
	for _, id := range s.order {
		exps = append(exps, cloneExperiment(s.experiments[id]))
	}
	return exps, nil
}

func (s *MemoryStore) SetExperimentEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return ErrNotFound
	}
	exp.Enabled = enabled
	exp.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, experimentID, visitorID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[experimentID][visitorID]
	if !ok {
		return "", ErrNotFound
	}
	return a.VariantID, nil
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, a *Assignment) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVisitor, ok := s.assignments[a.ExperimentID]
	if !ok {
		byVisitor = make(map[string]*Assignment)
		s.assignments[a.ExperimentID] = byVisitor
	}
	if existing, ok := byVisitor[a.VisitorID]; ok {
		return existing.VariantID, false, nil
	}
	stored := *a
	byVisitor[a.VisitorID] = &stored
	return stored.VariantID, true, nil
}

func (s *MemoryStore) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Assignment
	for _, a := range s.assignments[experimentID] {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VisitorID < out[j].VisitorID
	})
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *ev
	stored.Metadata = cloneMetadata(ev.Metadata)
	s.events[ev.ExperimentID] = append(s.events[ev.ExperimentID], stored)
	return nil
}

func (s *MemoryStore) ListOutcomes(ctx context.Context, experimentID string) ([]*VisitorOutcome, error) {
	s.mu.RLock()
	events := make([]Event, len(s.events[experimentID]))
	for i, ev := range s.events[experimentID] {
		ev.Metadata = cloneMetadata(ev.Metadata)
		events[i] = ev
	}
	s.mu.RUnlock()

	return groupOutcomes(events), nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.experiments = make(map[string]*Experiment)
	s.order = nil
	s.assignments = make(map[string]map[string]*Assignment)
	s.events = make(map[string][]Event)
	return nil
}

func cloneExperiment(exp *Experiment) *Experiment {
	c := *exp
	c.Variants = make([]Variant, len(exp.Variants))
	for i, v := range exp.Variants {
		v.Metadata = cloneMetadata(v.Metadata)
		c.Variants[i] = v
	}
	c.ConversionGoals = append([]string(nil), exp.ConversionGoals...)
	if exp.EndTime != nil {
		end := *exp.EndTime
		c.EndTime = &end
	}
	return &c
}

// cloneMetadata makes a shallow copy; values are treated as immutable.
func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
