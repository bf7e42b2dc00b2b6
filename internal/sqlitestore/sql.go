package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// currentSchemaVersion is stored in SQLite's user_version pragma.
// Increment whenever the schema changes. Unlike a derived index, this
// database is the source of truth, so a mismatch is an error rather than
// a rebuild trigger.
const currentSchemaVersion = 1

// sqliteBusyTimeout is the time SQLite waits when the database is locked
// before returning SQLITE_BUSY, in milliseconds.
const sqliteBusyTimeout = 10000

// openSqlite opens the database file and applies the connection pragmas.
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas configures the connection: WAL journaling so readers never
// block the flush writer, full synchronous mode because a checkpoint ack
// is a durability promise.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA foreign_keys = ON;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// migrate creates the schema on a fresh database and rejects databases
// written by a different schema version.
func migrate(ctx context.Context, db *sql.DB) error {
	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		return nil
	}

	if version != 0 {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, version, currentSchemaVersion)
	}

	empty, err := isEmptyDatabase(ctx, db)
	if err != nil {
		return err
	}

	if !empty {
		return fmt.Errorf("%w: unversioned non-empty database", ErrIncompatible)
	}

	return createSchema(ctx, db)
}

// storedSchemaVersion reads PRAGMA user_version.
func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	err := row.Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

// isEmptyDatabase reports whether the database has no tables at all.
func isEmptyDatabase(ctx context.Context, db *sql.DB) (bool, error) {
	row := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' LIMIT 1")

	var name string

	err := row.Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("inspect sqlite_master: %w", err)
	}

	return false, nil
}

// createSchema creates all tables and stamps the schema version.
func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE runs (
			id          TEXT PRIMARY KEY,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER,
			finalized   INTEGER NOT NULL DEFAULT 0,
			interrupted INTEGER NOT NULL DEFAULT 0,
			checkpoint  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE run_params (
			run_id     TEXT NOT NULL REFERENCES runs(id),
			pos        INTEGER NOT NULL,
			name       TEXT NOT NULL,
			role       TEXT NOT NULL,
			shape      TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (run_id, name)
		);

		CREATE TABLE run_values (
			run_id TEXT NOT NULL,
			param  TEXT NOT NULL,
			idx    INTEGER NOT NULL,
			value  BLOB NOT NULL,
			PRIMARY KEY (run_id, param, idx)
		);

		CREATE TABLE run_flushes (
			run_id       TEXT NOT NULL,
			first_seq    INTEGER NOT NULL,
			last_seq     INTEGER NOT NULL,
			committed_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, first_seq, last_seq)
		);

		PRAGMA user_version = %d;
	`, currentSchemaVersion))
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}
