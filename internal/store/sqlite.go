package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    variants TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER,
    traffic_fraction REAL NOT NULL,
    conversion_goals TEXT NOT NULL,
    minimum_sample_size INTEGER NOT NULL DEFAULT 0,
    significance_threshold REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    experiment_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (experiment_id, visitor_id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    event_name TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id);
CREATE INDEX IF NOT EXISTS idx_events_outcome ON events(experiment_id, variant_id, visitor_id);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	goals := exp.ConversionGoals
	if goals == nil {
		goals = []string{}
	}
	goalsJSON, err := json.Marshal(goals)
	if err != nil {
		return fmt.Errorf("failed to marshal conversion goals: %w", err)
	}

	var endTime sql.NullInt64
	if exp.EndTime != nil {
		endTime = sql.NullInt64{Int64: exp.EndTime.UnixMilli(), Valid: true}
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, description, variants, start_time, end_time, traffic_fraction,
		     conversion_goals, minimum_sample_size, significance_threshold, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     description = excluded.description,
		     variants = excluded.variants,
		     start_time = excluded.start_time,
		     end_time = excluded.end_time,
		     traffic_fraction = excluded.traffic_fraction,
		     conversion_goals = excluded.conversion_goals,
		     minimum_sample_size = excluded.minimum_sample_size,
		     significance_threshold = excluded.significance_threshold,
		     enabled = excluded.enabled,
		     updated_at = excluded.updated_at`,
		exp.ID, exp.Name, exp.Description, string(variantsJSON), exp.StartTime.UnixMilli(), endTime,
		exp.TrafficFraction, string(goalsJSON), exp.MinimumSampleSize, exp.SignificanceThreshold,
		boolToInt(exp.Enabled), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	return nil
}

const experimentColumns = `id, name, description, variants, start_time, end_time, traffic_fraction,
	conversion_goals, minimum_sample_size, significance_threshold, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var exp Experiment
	var variantsJSON, goalsJSON string
	var endTime sql.NullInt64
	var startTime, createdAt, updatedAt int64
	var enabled int

	err := row.Scan(&exp.ID, &exp.Name, &exp.Description, &variantsJSON, &startTime, &endTime,
		&exp.TrafficFraction, &goalsJSON, &exp.MinimumSampleSize, &exp.SignificanceThreshold,
		&enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(variantsJSON), &exp.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(goalsJSON), &exp.ConversionGoals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversion goals: %w", err)
	}

	exp.StartTime = time.UnixMilli(startTime).UTC()
	if endTime.Valid {
		t := time.UnixMilli(endTime.Int64).UTC()
		exp.EndTime = &t
	}
	exp.Enabled = enabled != 0
	exp.CreatedAt = time.UnixMilli(createdAt).UTC()
	exp.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var exps []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		exps = append(exps, exp)
	}

	return exps, rows.Err()
}

func (s *SQLiteStore) SetExperimentEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, experimentID, visitorID string) (string, error) {
	var variantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT variant_id FROM assignments WHERE experiment_id = ? AND visitor_id = ?`,
		experimentID, visitorID,
	).Scan(&variantID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get assignment: %w", err)
	}

	return variantID, nil
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) (string, bool, error) {
	// INSERT OR IGNORE on the primary key keeps the first writer's variant
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (experiment_id, visitor_id, variant_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		a.ExperimentID, a.VisitorID, a.VariantID, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to create assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return a.VariantID, true, nil
	}

	variantID, err := s.GetAssignment(ctx, a.ExperimentID, a.VisitorID)
	return variantID, false, err
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, visitor_id, variant_id, created_at
		 FROM assignments WHERE experiment_id = ? ORDER BY created_at, visitor_id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		var a Assignment
		var createdAt int64
		if err := rows.Scan(&a.ExperimentID, &a.VisitorID, &a.VariantID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		assignments = append(assignments, &a)
	}

	return assignments, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	var metadataJSON []byte
	if len(ev.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (experiment_id, variant_id, visitor_id, event_name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ExperimentID, ev.VariantID, ev.VisitorID, ev.Name, nullableString(metadataJSON), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, experimentID string) ([]*VisitorOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, variant_id, visitor_id, event_name, metadata, created_at
		 FROM events WHERE experiment_id = ? ORDER BY id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var metadataJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ExperimentID, &ev.VariantID, &ev.VisitorID, &ev.Name, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return groupOutcomes(events), nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "assignments", "experiments"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// groupOutcomes folds an ordered event list into outcomes keyed by
// (experiment, variant, visitor), ordered by each outcome's first event.
func groupOutcomes(events []Event) []*VisitorOutcome {
	type key struct{ experiment, variant, visitor string }

	index := make(map[key]*VisitorOutcome)
	var outcomes []*VisitorOutcome
	for _, ev := range events {
		k := key{ev.ExperimentID, ev.VariantID, ev.VisitorID}
		o, ok := index[k]
		if !ok {
			o = &VisitorOutcome{ExperimentID: ev.ExperimentID, VariantID: ev.VariantID, VisitorID: ev.VisitorID}
			index[k] = o
			outcomes = append(outcomes, o)
		}
		o.Events = append(o.Events, ev)
	}
	return outcomes
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
