package dset

import (
	"context"
	"time"
)

// SeqRange identifies a contiguous, inclusive range of write-sequence
// numbers. A flush transaction is identified by (run ID, SeqRange); stores
// must treat re-application of an already-committed range as a no-op.
type SeqRange struct {
	First uint64
	Last  uint64
}

// RunRecord is the durable metadata of a run as stored by a [Store].
type RunRecord struct {
	// ID is the run's unique identifier.
	ID string

	// Params are the declared parameters in declaration order.
	Params []ParamSpec

	// State is the persisted lifecycle state. A store only ever persists
	// StateRunning, StateCompleted, or StateInterrupted; StatePending runs
	// have not touched storage yet.
	State State

	// Checkpoint is the highest write-sequence number durably committed.
	Checkpoint uint64

	// StartedAt is when the run was created.
	StartedAt time.Time

	// CompletedAt is when the run reached a terminal state; zero while
	// running.
	CompletedAt time.Time
}

// Txn is one flush transaction. Writes are buffered until Commit; a Txn
// must end in exactly one Commit or Rollback call.
type Txn interface {
	// Write stages values for a parameter starting at the given absolute
	// row index. Multiple Write calls for different parameters belong to
	// the same atomic transaction.
	Write(ctx context.Context, param string, start int, values []Value) error

	// Commit makes all staged writes durable atomically and records the
	// transaction's sequence range. Committing a range the store has
	// already committed is a no-op (idempotent re-application).
	Commit(ctx context.Context) error

	// Rollback discards all staged writes.
	Rollback() error
}

// Store is the durable, transactional backing store a run flushes through.
//
// Implementations must serialize concurrent transactions per run ID; the
// flush coordinator submits at most one transaction at a time per run, so
// no cross-transaction ordering logic is required beyond that.
//
// The production implementation is internal/sqlitestore; tests use the
// fault-injecting internal/storetest.
type Store interface {
	// CreateRun persists a new run's metadata before any data is flushed.
	CreateRun(ctx context.Context, rec RunRecord) error

	// Begin starts a flush transaction covering the given sequence range.
	Begin(ctx context.Context, runID string, r SeqRange) (Txn, error)

	// Read returns rows [start, end) of a parameter from durable storage.
	Read(ctx context.Context, runID, param string, start, end int) ([]Value, error)

	// MarkFinalized records that the run completed normally after its
	// final flush succeeded.
	MarkFinalized(ctx context.Context, runID string) error

	// MarkInterrupted records that the run ended without finalizing
	// (abort, fatal flush failure).
	MarkInterrupted(ctx context.Context, runID string) error

	// IsFinalized reports whether the run completed normally.
	IsFinalized(ctx context.Context, runID string) (bool, error)

	// LoadRun returns the stored metadata for one run.
	LoadRun(ctx context.Context, runID string) (RunRecord, error)

	// ListRuns returns all stored runs, oldest first.
	ListRuns(ctx context.Context) ([]RunRecord, error)
}
