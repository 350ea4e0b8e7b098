// Package runstore keeps a registry of training runs in a SQLite database.
// Each row records where a run's directory lives, the host it executed on,
// its hyperparameters, and, once finished, its final metrics. The Store
// satisfies runlog.RunRecorder, so wiring it into a logger keeps the
// registry current without further calls.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilnml/kiln/hostinfo"
)

// Run lifecycle states.
const (
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
)

// Run is one registry row.
type Run struct {
	ID         string
	Name       string
	Version    string
	Dir        string
	Status     string
	Host       string
	StartedAt  time.Time
	FinishedAt time.Time
	HParams    map[string]string
	Metrics    map[string]float64
}

// Store is the SQLite-backed run registry.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens the registry database at path, creating it and its schema as
// needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run registry: %v", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping run registry: %v", err)
	}

	s := &Store{db: db}
	if err := s.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     TEXT NOT NULL,
	dir         TEXT NOT NULL,
	status      TEXT NOT NULL,
	host        TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	hparams     TEXT NOT NULL DEFAULT '{}',
	metrics     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create run registry schema: %v", err)
	}
	return nil
}

// RecordStart registers a run as RUNNING, stamped with the current host
// fingerprint. Recording an id again refreshes the row.
func (s *Store) RecordStart(ctx context.Context, id, name, version, dir string, hparams map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := marshalMap(hparams)
	if err != nil {
		return fmt.Errorf("failed to encode hparams: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, name, version, dir, status, host, started_at, hparams)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	version = excluded.version,
	dir = excluded.dir,
	status = excluded.status,
	host = excluded.host,
	started_at = excluded.started_at,
	hparams = excluded.hparams`,
		id, name, version, dir, StatusRunning, hostinfo.Collect().String(), time.Now().Unix(), payload)
	if err != nil {
		return fmt.Errorf("failed to record run start: %v", err)
	}
	return nil
}

// RecordFinish marks a run FINISHED and stores its final metrics.
func (s *Store) RecordFinish(ctx context.Context, id string, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := marshalMap(metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %v", err)
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, finished_at = ?, metrics = ? WHERE id = ?`,
		StatusFinished, time.Now().Unix(), payload, id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %v", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("no run with id %s", id)
	}
	return nil
}

// GetRun fetches one run by id. The second return reports whether the run
// exists.
func (s *Store) GetRun(ctx context.Context, id string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
SELECT id, name, version, dir, status, host, started_at, finished_at, hparams, metrics
FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

// ListRuns returns every recorded run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, version, dir, status, host, started_at, finished_at, hparams, metrics
FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %v", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %v", err)
	}
	return runs, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run                Run
		started, finished  int64
		hparams, metricsJS string
	)
	err := row.Scan(&run.ID, &run.Name, &run.Version, &run.Dir, &run.Status, &run.Host,
		&started, &finished, &hparams, &metricsJS)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to scan run: %v", err)
	}

	run.StartedAt = time.Unix(started, 0)
	if finished > 0 {
		run.FinishedAt = time.Unix(finished, 0)
	}
	if err := json.Unmarshal([]byte(hparams), &run.HParams); err != nil {
		return Run{}, fmt.Errorf("failed to decode hparams for run %s: %v", run.ID, err)
	}
	if err := json.Unmarshal([]byte(metricsJS), &run.Metrics); err != nil {
		return Run{}, fmt.Errorf("failed to decode metrics for run %s: %v", run.ID, err)
	}
	return run, nil
}

// marshalMap encodes a map as JSON, normalizing nil to an empty object.
func marshalMap(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}
