/*
Package sqlite stores survey datasets and calculation runs in SQLite.

PURPOSE:
  A dataset is a population (persons, groups and their memberships) plus
  input values, saved once and simulated many times under different
  legislations. Every batch calculation over a dataset leaves a run record
  with aggregate totals. The engine cache is never stored: simulations are
  rebuilt from inputs.

KEY TABLES:
  datasets:    name, description, default period
  entities:    ordered ids of every entity kind of a dataset
  memberships: for every person and group kind, its group and role
  inputs:      one JSON array of values per (variable, period)
  runs:        calculation log with totals per variable

  Entity order is significant: arrays are indexed by position, so positions
  are stored and restored exactly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and a single connection so that
  ":memory:" databases are shared by every query.

USAGE:
  store, err := sqlite.New("./data/fisca.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  err = store.SaveDataset(ctx, sqlite.Dataset{Name: "survey"}, built, sys)
  built, err := store.LoadDataset(ctx, "survey", sys)

SEE ALSO:
  - scenario/situation.go: Built, the in-memory form of a dataset
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
)

var (
	// ErrDatasetNotFound is returned for unknown dataset names.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrDatasetMismatch is returned when a stored dataset does not fit the
	// system it is loaded into.
	ErrDatasetMismatch = errors.New("dataset does not match system")
)

// Store persists datasets and runs.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		period TEXT NOT NULL DEFAULT '',
		persons INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		dataset TEXT NOT NULL REFERENCES datasets(name) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		position INTEGER NOT NULL,
		entity_id TEXT NOT NULL,
		PRIMARY KEY (dataset, kind, position),
		UNIQUE (dataset, kind, entity_id)
	);

	CREATE TABLE IF NOT EXISTS memberships (
		dataset TEXT NOT NULL REFERENCES datasets(name) ON DELETE CASCADE,
		group_kind TEXT NOT NULL,
		person_position INTEGER NOT NULL,
		group_position INTEGER NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (dataset, group_kind, person_position)
	);

	CREATE TABLE IF NOT EXISTS inputs (
		dataset TEXT NOT NULL REFERENCES datasets(name) ON DELETE CASCADE,
		variable TEXT NOT NULL,
		period TEXT NOT NULL,
		values_json TEXT NOT NULL,
		PRIMARY KEY (dataset, variable, period)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		period TEXT NOT NULL,
		reforms_json TEXT NOT NULL DEFAULT '[]',
		totals_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_dataset_created
		ON runs(dataset, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DATASETS
// =============================================================================

// Dataset describes a stored dataset.
type Dataset struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Period      periods.Period `json:"period"`
	Persons     int            `json:"persons"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveDataset stores built under ds.Name, replacing any dataset of that
// name. sys gives the value types used to encode inputs.
func (s *Store) SaveDataset(ctx context.Context, ds Dataset, built *scenario.Built, sys *engine.System) error {
	if ds.Name == "" {
		return fmt.Errorf("dataset name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM datasets WHERE name = ?`, ds.Name).Scan(&prev)
	switch {
	case err == nil:
		createdAt = prev
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to query dataset: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE name = ?`, ds.Name); err != nil {
		return fmt.Errorf("failed to replace dataset: %w", err)
	}
	period := ""
	if !ds.Period.IsZero() {
		period = ds.Period.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO datasets (name, description, period, persons, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ds.Name, ds.Description, period, built.Populations.Persons.Count(), createdAt, now,
	); err != nil {
		return fmt.Errorf("failed to save dataset: %w", err)
	}

	pops := built.Populations
	if err := saveEntities(ctx, tx, ds.Name, pops.Persons); err != nil {
		return err
	}
	for _, g := range sys.Groups() {
		gp, ok := pops.Groups[g.Key]
		if !ok {
			return fmt.Errorf("%w: no population for %s", ErrDatasetMismatch, g.Key)
		}
		if err := saveEntities(ctx, tx, ds.Name, gp.Population); err != nil {
			return err
		}
		if err := saveMemberships(ctx, tx, ds.Name, gp); err != nil {
			return err
		}
	}

	for _, in := range built.Inputs {
		v, err := sys.GetVariable(in.Variable)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatasetMismatch, err)
		}
		values := make([]any, in.Values.Len())
		for i := range values {
			values[i] = scenario.Display(v, in.Values, i)
		}
		data, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", in.Variable, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inputs (dataset, variable, period, values_json) VALUES (?, ?, ?, ?)`,
			ds.Name, in.Variable, in.Period.String(), string(data),
		); err != nil {
			return fmt.Errorf("failed to save input %s@%s: %w", in.Variable, in.Period, err)
		}
	}

	return tx.Commit()
}

func saveEntities(ctx context.Context, db execer, dataset string, pop *entities.Population) error {
	for i, id := range pop.IDs() {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO entities (dataset, kind, position, entity_id) VALUES (?, ?, ?, ?)`,
			dataset, pop.Entity.Key, i, id,
		); err != nil {
			return fmt.Errorf("failed to save %s %q: %w", pop.Entity.Key, id, err)
		}
	}
	return nil
}

func saveMemberships(ctx context.Context, db execer, dataset string, g *entities.GroupPopulation) error {
	roles := g.MembersRole()
	for pi, gi := range g.MembersEntityID() {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO memberships (dataset, group_kind, person_position, group_position, role) VALUES (?, ?, ?, ?, ?)`,
			dataset, g.Entity.Key, pi, gi, roles[pi].Key,
		); err != nil {
			return fmt.Errorf("failed to save %s membership: %w", g.Entity.Key, err)
		}
	}
	return nil
}

// GetDataset returns a dataset's description.
func (s *Store) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	datasets, err := s.queryDatasets(ctx, `WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}
	return &datasets[0], nil
}

// ListDatasets returns every dataset, by name.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryDatasets(ctx, "")
}

func (s *Store) queryDatasets(ctx context.Context, where string, args ...any) ([]Dataset, error) {
	query := `
		SELECT name, description, period, persons, created_at, updated_at
		FROM datasets ` + where + `
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var (
			d                            Dataset
			period, createdAt, updatedAt string
		)
		if err := rows.Scan(&d.Name, &d.Description, &period, &d.Persons, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		if period != "" {
			if d.Period, err = periods.Parse(period); err != nil {
				return nil, fmt.Errorf("dataset %s: %w", d.Name, err)
			}
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadDataset rebuilds a stored dataset against sys.
func (s *Store) LoadDataset(ctx context.Context, name string, sys *engine.System) (*scenario.Built, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to query dataset: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}

	personIDs, err := s.loadIDs(ctx, name, sys.Person().Key)
	if err != nil {
		return nil, err
	}
	persons, err := entities.NewPopulation(sys.Person(), personIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetMismatch, err)
	}

	var groups []*entities.GroupPopulation
	for _, g := range sys.Groups() {
		gp, err := s.loadGroup(ctx, name, g, persons.Count())
		if err != nil {
			return nil, err
		}
		groups = append(groups, gp)
	}
	pops, err := entities.NewPopulations(persons, groups...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetMismatch, err)
	}

	inputs, err := s.loadInputs(ctx, name, sys, pops)
	if err != nil {
		return nil, err
	}
	return &scenario.Built{Populations: pops, Inputs: inputs}, nil
}

func (s *Store) loadIDs(ctx context.Context, dataset, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM entities WHERE dataset = ? AND kind = ? ORDER BY position`,
		dataset, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) loadGroup(ctx context.Context, dataset string, g *entities.Entity, personCount int) (*entities.GroupPopulation, error) {
	ids, err := s.loadIDs(ctx, dataset, g.Key)
	if err != nil {
		return nil, err
	}
	pop, err := entities.NewPopulation(g, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetMismatch, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT person_position, group_position, role FROM memberships
		 WHERE dataset = ? AND group_kind = ? ORDER BY person_position`,
		dataset, g.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s memberships: %w", g.Key, err)
	}
	defer rows.Close()

	members := make([]int, personCount)
	roles := make([]*entities.Role, personCount)
	seen := 0
	for rows.Next() {
		var pi, gi int
		var roleKey string
		if err := rows.Scan(&pi, &gi, &roleKey); err != nil {
			return nil, err
		}
		if pi < 0 || pi >= personCount {
			return nil, fmt.Errorf("%w: %s membership for person %d of %d", ErrDatasetMismatch, g.Key, pi, personCount)
		}
		role, ok := g.Role(roleKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no role %q", ErrDatasetMismatch, g.Key, roleKey)
		}
		members[pi], roles[pi] = gi, role
		seen++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if seen != personCount {
		return nil, fmt.Errorf("%w: %d of %d persons belong to a %s", ErrDatasetMismatch, seen, personCount, g.Key)
	}
	return entities.NewGroupPopulation(pop, members, roles)
}

func (s *Store) loadInputs(ctx context.Context, dataset string, sys *engine.System, pops *entities.Populations) ([]scenario.Input, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variable, period, values_json FROM inputs WHERE dataset = ?`, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to query inputs: %w", err)
	}
	defer rows.Close()

	var out []scenario.Input
	for rows.Next() {
		var name, period, data string
		if err := rows.Scan(&name, &period, &data); err != nil {
			return nil, err
		}
		v, err := sys.GetVariable(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatasetMismatch, err)
		}
		p, err := periods.Parse(period)
		if err != nil {
			return nil, err
		}
		var raw []any
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s@%s: %w", name, period, err)
		}
		e, err := sys.Entity(v.Entity)
		if err != nil {
			return nil, err
		}
		n, err := pops.Count(e.Key)
		if err != nil {
			return nil, err
		}
		if len(raw) != n {
			return nil, fmt.Errorf("%w: %s@%s has %d values for %d entities", ErrDatasetMismatch, name, period, len(raw), n)
		}
		arr := v.DefaultArray(n)
		for i, x := range raw {
			val, err := scenario.Scalar(v, x)
			if err != nil {
				return nil, err
			}
			array.SetAt(arr, i, val)
		}
		out = append(out, scenario.Input{Variable: name, Period: p, Values: arr})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	scenario.SortInputs(out)
	return out, nil
}

// DeleteDataset removes a dataset and everything it owns. Runs are kept.
func (s *Store) DeleteDataset(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

// Run records one calculation over a dataset.
type Run struct {
	ID        string             `json:"id"`
	Dataset   string             `json:"dataset"`
	Period    string             `json:"period"`
	Reforms   []string           `json:"reforms,omitempty"`
	Totals    map[string]float64 `json:"totals"`
	Status    string             `json:"status"` // completed, failed
	Error     string             `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
	CreatedAt time.Time          `json:"created_at"`
}

// SaveRun stores a run record.
func (s *Store) SaveRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reforms, err := json.Marshal(nonNil(r.Reforms))
	if err != nil {
		return err
	}
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, dataset, period, reforms_json, totals_json, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Dataset, r.Period, string(reforms), string(totals), r.Status, r.Error,
		r.Duration.Milliseconds(), r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("run %q already exists", r.ID)
		}
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the latest runs, newest first. An empty dataset lists
// runs of every dataset; limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, dataset string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, dataset, period, reforms_json, totals_json, status, error, duration_ms, created_at
		FROM runs
	`
	var args []any
	if dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, dataset)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r               Run
			reforms, totals string
			durationMS      int64
			createdAt       string
		)
		if err := rows.Scan(&r.ID, &r.Dataset, &r.Period, &reforms, &totals, &r.Status, &r.Error, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(reforms), &r.Reforms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(totals), &r.Totals); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset deletes all data. Used in tests and by "dataset reset".
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"inputs", "memberships", "entities", "datasets", "runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
