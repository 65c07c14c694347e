package store

import "time"

// Metadata is an opaque, JSON-compatible payload attached to variants and events.
type Metadata map[string]any

type Variant struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Weight   float64  `json:"weight" yaml:"weight"`
	Metadata Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Experiment is a registered experiment definition. Variants[0] is the control.
type Experiment struct {
	ID                    string     `json:"id" yaml:"id"`
	Name                  string     `json:"name" yaml:"name"`
	Description           string     `json:"description,omitempty" yaml:"description,omitempty"`
	Variants              []Variant  `json:"variants" yaml:"variants"`
	StartTime             time.Time  `json:"start_time" yaml:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	TrafficFraction       float64    `json:"traffic_fraction" yaml:"traffic_fraction"`
	ConversionGoals       []string   `json:"conversion_goals" yaml:"conversion_goals"`
	MinimumSampleSize     int        `json:"minimum_sample_size" yaml:"minimum_sample_size"`
	SignificanceThreshold float64    `json:"significance_threshold" yaml:"significance_threshold"`
	Enabled               bool       `json:"enabled" yaml:"enabled"`
	CreatedAt             time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt             time.Time  `json:"updated_at" yaml:"-"`
}

// Control returns the control variant.
func (e *Experiment) Control() Variant {
	return e.Variants[0]
}

// Variant looks up a variant by id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// InWindow reports whether now falls inside [StartTime, EndTime].
// A missing EndTime means open-ended.
func (e *Experiment) InWindow(now time.Time) bool {
	if now.Before(e.StartTime) {
		return false
	}
	if e.EndTime != nil && now.After(*e.EndTime) {
		return false
	}
	return true
}

// IsActive reports whether the experiment is enabled and inside its window.
func (e *Experiment) IsActive(now time.Time) bool {
	return e.Enabled && e.InWindow(now)
}

func (e *Experiment) IsConversion(eventName string) bool {
	for _, g := range e.ConversionGoals {
		if g == eventName {
			return true
		}
	}
	return false
}

// Assignment binds a visitor to a variant for the lifetime of an experiment.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	VisitorID    string    `json:"visitor_id"`
	VariantID    string    `json:"variant_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type Event struct {
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	VisitorID    string    `json:"visitor_id"`
	Name         string    `json:"event_name"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// VisitorOutcome groups one visitor's events within a single experiment variant, in
// the order they were recorded.
type VisitorOutcome struct {
	ExperimentID string  `json:"experiment_id"`
	VariantID    string  `json:"variant_id"`
	VisitorID    string  `json:"visitor_id"`
	Events       []Event `json:"events"`
}

// Converted reports whether any event in the outcome is a conversion goal of exp.
func (o *VisitorOutcome) Converted(exp *Experiment) bool {
	for _, ev := range o.Events {
		if exp.IsConversion(ev.Name) {
			return true
		}
	}
	return false
}
