package store

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Settings is the key-value slice of a Store used for client-scoped values such as
// the local visitor identity.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store defines the interface for experiment persistence
type Store interface {
	// Experiment operations
	SaveExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)
	SetExperimentEnabled(ctx context.Context, id string, enabled bool) error

	// Assignment operations. CreateAssignment never overwrites: it returns the variant
	// id stored after the call and whether this call was the one that wrote it.
	GetAssignment(ctx context.Context, experimentID, visitorID string) (string, error)
	CreateAssignment(ctx context.Context, a *Assignment) (variantID string, created bool, err error)
	ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error)

	// Event operations
	AppendEvent(ctx context.Context, ev *Event) error
	ListOutcomes(ctx context.Context, experimentID string) ([]*VisitorOutcome, error)

	Settings

	// Reset removes experiments, assignments and events. Settings survive.
	Reset(ctx context.Context) error

	// Lifecycle
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Open opens a store for the named driver. path is a file for sqlite and a
// directory for badger; it is ignored by the memory driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverBadger:
		return OpenBadger(BadgerConfig{Path: path, SyncWrites: true})
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
