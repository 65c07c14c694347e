// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/gkobilansky/abkit/internal/store"
)

// Drivers lists every store driver, for tests that run once per backend.
var Drivers = []string{store.DriverSQLite, store.DriverBadger, store.DriverMemory}

// SetupTestStore creates a SQLite store in a temp directory that is closed when
// the test finishes.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// OpenTestStore opens a store for driver. Badger runs in memory.
func OpenTestStore(t *testing.T, driver string) store.Store {
	t.Helper()

	var (
		s   store.Store
		err error
	)
	switch driver {
	case store.DriverBadger:
		s, err = store.OpenBadger(store.BadgerConfig{InMemory: true})
	case store.DriverSQLite:
		return SetupTestStore(t)
	default:
		s, err = store.Open(driver, "")
	}
	if err != nil {
		t.Fatalf("failed to open %s store: %v", driver, err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}
