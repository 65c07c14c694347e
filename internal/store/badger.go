package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout. Components are joined with a NUL byte so ids may contain '/'.
const (
	experimentPrefix = "ex\x00"
	assignmentPrefix = "as\x00"
	eventPrefix      = "ev\x00"
	settingPrefix    = "st\x00"
	eventSeqKey      = "seq\x00events"

	maxTxnRetries = 5
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool

	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *zap.Logger
}

// BadgerStore persists experiments in an embedded BadgerDB key-value store.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(eventSeqKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open event sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release event sequence: %w", err)
	}
	return s.db.Close()
}

func joinKey(prefix string, parts ...string) []byte {
	k := []byte(prefix)
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0)
		}
		k = append(k, p...)
	}
	return k
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanPrefix calls fn with each value under prefix in key order.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	err := s.update(func(txn *badger.Txn) error {
		key := joinKey(experimentPrefix, exp.ID)
		now := time.Now().UTC()

		stored := *exp
		stored.CreatedAt = now
		stored.UpdatedAt = now

		var prev Experiment
		switch err := getJSON(txn, key, &prev); {
		case err == nil:
			stored.CreatedAt = prev.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return setJSON(txn, key, &stored)
	})
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var exp Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, joinKey(experimentPrefix, id), &exp)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return &exp, nil
}

func (s *BadgerStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	var exps []*Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(experimentPrefix), func(val []byte) error {
			var exp Experiment
			if err := json.Unmarshal(val, &exp); err != nil {
				return err
			}
			exps = append(exps, &exp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	sort.SliceStable(exps, func(i, j int) bool {
		return exps[i].CreatedAt.Before(exps[j].CreatedAt)
	})
	return exps, nil
}

func (s *BadgerStore) SetExperimentEnabled(ctx context.Context, id string, enabled bool) error {
	err := s.update(func(txn *badger.Txn) error {
		key := joinKey(experimentPrefix, id)
		var exp Experiment
		if err := getJSON(txn, key, &exp); err != nil {
			return err
		}
		exp.Enabled = enabled
		exp.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, &exp)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetAssignment(ctx context.Context, experimentID, visitorID string) (string, error) {
	var a Assignment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, joinKey(assignmentPrefix, experimentID, visitorID), &a)
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get assignment: %w", err)
	}
	return a.VariantID, nil
}

func (s *BadgerStore) CreateAssignment(ctx context.Context, a *Assignment) (string, bool, error) {
	var variantID string
	var created bool
	err := s.update(func(txn *badger.Txn) error {
		key := joinKey(assignmentPrefix, a.ExperimentID, a.VisitorID)

		// An undecodable value is treated as absent and overwritten.
		var existing Assignment
		switch err := getJSON(txn, key, &existing); {
		case err == nil && existing.VariantID != "":
			variantID, created = existing.VariantID, false
			return nil
		case err == nil, errors.Is(err, ErrNotFound), isDecodeError(err):
		default:
			return err
		}

		variantID, created = a.VariantID, true
		return setJSON(txn, key, a)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to create assignment: %w", err)
	}
	return variantID, created, nil
}

func (s *BadgerStore) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	var out []*Assignment
	err := s.db.View(func(txn *badger.Txn) error {
		// Trailing NUL keeps experiment "a" from matching experiment "ab".
		prefix := append(joinKey(assignmentPrefix, experimentID), 0)
		return scanPrefix(txn, prefix, func(val []byte) error {
			var a Assignment
			if err := json.Unmarshal(val, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BadgerStore) AppendEvent(ctx context.Context, ev *Event) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n)
	key := append(joinKey(eventPrefix, ev.ExperimentID), 0)
	key = append(key, seq[:]...)

	err = s.update(func(txn *badger.Txn) error {
		return setJSON(txn, key, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *BadgerStore) ListOutcomes(ctx context.Context, experimentID string) ([]*VisitorOutcome, error) {
	var events []Event
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := append(joinKey(eventPrefix, experimentID), 0)
		return scanPrefix(txn, prefix, func(val []byte) error {
			var ev Event
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return groupOutcomes(events), nil
}

func (s *BadgerStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(joinKey(settingPrefix, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		value = string(val)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *BadgerStore) SetSetting(ctx context.Context, key, value string) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.Set(joinKey(settingPrefix, key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *BadgerStore) Reset(ctx context.Context) error {
	err := s.db.DropPrefix([]byte(experimentPrefix), []byte(assignmentPrefix), []byte(eventPrefix))
	if err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	return nil
}
