package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qmeasure/dset"
)

// txn is one flush transaction. All staged writes and the flush-range
// bookkeeping commit atomically in a single SQLite transaction.
//
// When Begin finds the requested sequence range already committed, the
// txn becomes a no-op: Write and Commit succeed without touching the
// database. That gives the at-least-once flush path exactly-once
// visibility.
type txn struct {
	tx     *sql.Tx
	runID  string
	seq    dset.SeqRange
	noop   bool
	closed bool
}

var _ dset.Txn = (*txn)(nil)

// Begin starts a flush transaction for the given sequence range.
func (s *Store) Begin(ctx context.Context, runID string, r dset.SeqRange) (dset.Txn, error) {
	if r.First == 0 || r.Last < r.First {
		return nil, fmt.Errorf("begin %s: invalid sequence range (%d, %d)", runID, r.First, r.Last)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", runID, err)
	}

	var finalized bool

	row := tx.QueryRowContext(ctx, `SELECT finalized FROM runs WHERE id = ?`, runID)

	err = row.Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()

		return nil, fmt.Errorf("begin: run %s: %w", runID, ErrNotFound)
	}

	if err != nil {
		_ = tx.Rollback()

		return nil, fmt.Errorf("begin %s: %w", runID, err)
	}

	if finalized {
		_ = tx.Rollback()

		return nil, fmt.Errorf("begin: run %s: %w", runID, ErrFinalized)
	}

	var dup bool

	row = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM run_flushes
			WHERE run_id = ? AND first_seq = ? AND last_seq = ?
		)`,
		runID, r.First, r.Last)

	err = row.Scan(&dup)
	if err != nil {
		_ = tx.Rollback()

		return nil, fmt.Errorf("begin %s: %w", runID, err)
	}

	if dup {
		// Range already durable (e.g. a commit whose acknowledgment was
		// lost). Swallow the re-application.
		_ = tx.Rollback()

		return &txn{runID: runID, seq: r, noop: true}, nil
	}

	return &txn{tx: tx, runID: runID, seq: r}, nil
}

// Write stages values for one parameter starting at the given row index.
// INSERT OR REPLACE keyed by (run, param, idx) makes re-application of an
// overlapping retry range harmless.
func (t *txn) Write(ctx context.Context, param string, start int, values []dset.Value) error {
	if t.closed {
		return errors.New("write: transaction is closed")
	}

	if t.noop {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO run_values (run_id, param, idx, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", t.runID, param, err)
	}
	defer func() { _ = stmt.Close() }()

	for i, v := range values {
		_, err = stmt.ExecContext(ctx, t.runID, param, start+i, encodeValue(v))
		if err != nil {
			return fmt.Errorf("write %s/%s row %d: %w", t.runID, param, start+i, err)
		}
	}

	return nil
}

// Commit records the flush range, advances the run's checkpoint, and
// makes everything durable atomically.
func (t *txn) Commit(ctx context.Context) error {
	if t.closed {
		return errors.New("commit: transaction is closed")
	}

	t.closed = true

	if t.noop {
		return nil
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_flushes (run_id, first_seq, last_seq, committed_at)
		 VALUES (?, ?, ?, ?)`,
		t.runID, t.seq.First, t.seq.Last, time.Now().UnixMilli())
	if err != nil {
		_ = t.tx.Rollback()

		return fmt.Errorf("commit %s: record flush: %w", t.runID, err)
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE runs SET checkpoint = MAX(checkpoint, ?) WHERE id = ?`,
		t.seq.Last, t.runID)
	if err != nil {
		_ = t.tx.Rollback()

		return fmt.Errorf("commit %s: advance checkpoint: %w", t.runID, err)
	}

	err = t.tx.Commit()
	if err != nil {
		return fmt.Errorf("commit %s: %w", t.runID, err)
	}

	return nil
}

// Rollback discards all staged writes. Safe to call after Commit.
func (t *txn) Rollback() error {
	if t.closed || t.noop {
		t.closed = true

		return nil
	}

	t.closed = true

	err := t.tx.Rollback()
	if err != nil {
		return fmt.Errorf("rollback %s: %w", t.runID, err)
	}

	return nil
}
