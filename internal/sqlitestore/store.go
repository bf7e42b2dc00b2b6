// Package sqlitestore is the durable backing store for dset runs, built
// on SQLite via database/sql.
//
// Data is stored row-per-value: (run_id, param, idx) -> value blob, so a
// flush can idempotently re-apply a sequence range with INSERT OR REPLACE.
// Committed flush ranges are recorded in their own table; re-submitting a
// range the store already committed is a no-op.
//
// Opening the store sweeps for crashed writers: every run that is neither
// finalized nor marked interrupted is flipped to interrupted before any
// handle is returned. A run is therefore never silently resumed.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/qmeasure/dset"
)

// Store errors.
var (
	// ErrNotFound reports an unknown run ID.
	ErrNotFound = errors.New("run not found")

	// ErrIncompatible reports a database created by an incompatible
	// schema version.
	ErrIncompatible = errors.New("incompatible database schema")

	// ErrFinalized reports a write to a run that already finalized.
	ErrFinalized = errors.New("run is finalized")
)

// Store implements [dset.Store] on a SQLite database file.
type Store struct {
	path string
	db   *sql.DB
}

// Compile-time interface check.
var _ dset.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path, applies the
// connection pragmas, migrates the schema, and marks every unfinalized
// run interrupted (crash detection). Only a run's writer process may use
// Open; inspection tools use [OpenReadOnly].
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open store: context is nil")
	}

	if path == "" {
		return nil, errors.New("open store: path is empty")
	}

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("open store: create directory: %w", err)
	}

	db, err := openSqlite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = migrate(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open store: %w", err)
	}

	err = sweepUnfinalized(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Store{path: path, db: db}, nil
}

// OpenReadOnly opens an existing database for inspection. It never runs
// the crash sweep: a live writer's runs must not be flipped to
// interrupted just because someone listed them.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open store: context is nil")
	}

	_, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := openSqlite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open store: %w", err)
	}

	if version != currentSchemaVersion {
		_ = db.Close()

		return nil, fmt.Errorf("open store: %w: version %d, want %d",
			ErrIncompatible, version, currentSchemaVersion)
	}

	return &Store{path: path, db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}

	return nil
}

// sweepUnfinalized marks crashed runs interrupted. Runs that finished
// normally are finalized before their writer exits, so anything
// unfinalized at open time belongs to a dead writer.
func sweepUnfinalized(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`UPDATE runs SET interrupted = 1, ended_at = ?
		 WHERE finalized = 0 AND interrupted = 0`,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sweep unfinalized runs: %w", err)
	}

	return nil
}

// CreateRun persists the run row and its parameter declarations.
func (s *Store) CreateRun(ctx context.Context, rec dset.RunRecord) error {
	if rec.ID == "" {
		return errors.New("create run: id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create run: begin: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finalized, interrupted, checkpoint)
		 VALUES (?, ?, 0, 0, 0)`,
		rec.ID, rec.StartedAt.UnixMilli())
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("create run %s: %w", rec.ID, err)
	}

	for pos, p := range rec.Params {
		shape, err := json.Marshal(p.Shape)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("create run %s: marshal shape: %w", rec.ID, err)
		}

		deps, err := json.Marshal(p.DependsOn)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("create run %s: marshal depends_on: %w", rec.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_params (run_id, pos, name, role, shape, depends_on)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, pos, p.Name, p.Role.String(), string(shape), string(deps))
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("create run %s: parameter %q: %w", rec.ID, p.Name, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("create run %s: commit: %w", rec.ID, err)
	}

	return nil
}

// Read returns rows [start, end) of a parameter. Every row in the range
// must be present; a gap means the range was never flushed and is an
// error.
func (s *Store) Read(ctx context.Context, runID, param string, start, end int) ([]dset.Value, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("read %s/%s: invalid range [%d, %d)", runID, param, start, end)
	}

	if start == end {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, value FROM run_values
		 WHERE run_id = ? AND param = ? AND idx >= ? AND idx < ?
		 ORDER BY idx`,
		runID, param, start, end)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", runID, param, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]dset.Value, 0, end-start)
	want := start

	for rows.Next() {
		var (
			idx  int
			blob []byte
		)

		err = rows.Scan(&idx, &blob)
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: scan: %w", runID, param, err)
		}

		if idx != want {
			return nil, fmt.Errorf("read %s/%s: missing row %d", runID, param, want)
		}

		v, err := decodeValue(blob)
		if err != nil {
			return nil, fmt.Errorf("read %s/%s row %d: %w", runID, param, idx, err)
		}

		out = append(out, v)
		want++
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", runID, param, err)
	}

	if want != end {
		return nil, fmt.Errorf("read %s/%s: missing row %d", runID, param, want)
	}

	return out, nil
}

// Rows returns the number of durable rows stored for a parameter.
// Used by the CLI; live readers get lengths from the in-memory buffer.
func (s *Store) Rows(ctx context.Context, runID, param string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_values WHERE run_id = ? AND param = ?`,
		runID, param)

	var n int

	err := row.Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s/%s: %w", runID, param, err)
	}

	return n, nil
}

// MarkFinalized records normal completion. Finalizing an interrupted run
// is an error; finalizing twice is a no-op.
func (s *Store) MarkFinalized(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finalized = 1, ended_at = COALESCE(ended_at, ?)
		 WHERE id = ? AND interrupted = 0`,
		time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}

	if n == 0 {
		_, loadErr := s.LoadRun(ctx, runID)
		if loadErr != nil {
			return loadErr
		}

		return fmt.Errorf("finalize run %s: run is interrupted", runID)
	}

	return nil
}

// MarkInterrupted records abnormal termination. Idempotent; interrupting
// a finalized run is an error.
func (s *Store) MarkInterrupted(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET interrupted = 1, ended_at = COALESCE(ended_at, ?)
		 WHERE id = ? AND finalized = 0`,
		time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("interrupt run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("interrupt run %s: %w", runID, err)
	}

	if n == 0 {
		_, loadErr := s.LoadRun(ctx, runID)
		if loadErr != nil {
			return loadErr
		}

		return fmt.Errorf("interrupt run %s: %w", runID, ErrFinalized)
	}

	return nil
}

// IsFinalized reports whether the run completed normally.
func (s *Store) IsFinalized(ctx context.Context, runID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT finalized FROM runs WHERE id = ?`, runID)

	var finalized bool

	err := row.Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if err != nil {
		return false, fmt.Errorf("run %s: %w", runID, err)
	}

	return finalized, nil
}

// LoadRun returns the stored metadata for one run.
func (s *Store) LoadRun(ctx context.Context, runID string) (dset.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, ended_at, finalized, interrupted, checkpoint
		 FROM runs WHERE id = ?`, runID)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dset.RunRecord{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if err != nil {
		return dset.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	rec.Params, err = s.loadParams(ctx, runID)
	if err != nil {
		return dset.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	return rec, nil
}

// ListRuns returns all stored runs, oldest first.
func (s *Store) ListRuns(ctx context.Context) ([]dset.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, finalized, interrupted, checkpoint
		 FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []dset.RunRecord

	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}

		out = append(out, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for i := range out {
		out[i].Params, err = s.loadParams(ctx, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
	}

	return out, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (dset.RunRecord, error) {
	var (
		rec         dset.RunRecord
		startedAt   int64
		endedAt     sql.NullInt64
		finalized   bool
		interrupted bool
	)

	err := sc.Scan(&rec.ID, &startedAt, &endedAt, &finalized, &interrupted, &rec.Checkpoint)
	if err != nil {
		return dset.RunRecord{}, err
	}

	rec.StartedAt = time.UnixMilli(startedAt)

	if endedAt.Valid {
		rec.CompletedAt = time.UnixMilli(endedAt.Int64)
	}

	switch {
	case interrupted:
		rec.State = dset.StateInterrupted
	case finalized:
		rec.State = dset.StateCompleted
	default:
		rec.State = dset.StateRunning
	}

	return rec, nil
}

func (s *Store) loadParams(ctx context.Context, runID string) ([]dset.ParamSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, role, shape, depends_on FROM run_params
		 WHERE run_id = ? ORDER BY pos`, runID)
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var params []dset.ParamSpec

	for rows.Next() {
		var (
			p     dset.ParamSpec
			role  string
			shape string
			deps  string
		)

		err = rows.Scan(&p.Name, &role, &shape, &deps)
		if err != nil {
			return nil, fmt.Errorf("load params: scan: %w", err)
		}

		p.Role, err = dset.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("load params: %q: %w", p.Name, err)
		}

		err = json.Unmarshal([]byte(shape), &p.Shape)
		if err != nil {
			return nil, fmt.Errorf("load params: %q: shape: %w", p.Name, err)
		}

		err = json.Unmarshal([]byte(deps), &p.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("load params: %q: depends_on: %w", p.Name, err)
		}

		params = append(params, p)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}

	return params, nil
}
