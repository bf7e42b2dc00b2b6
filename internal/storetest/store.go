// Package storetest provides an in-memory [dset.Store] with scriptable
// fault injection for testing flush, retry, and lifecycle behavior
// without a real database.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qmeasure/dset"
)

// ErrNotFound reports an unknown run ID.
var ErrNotFound = errors.New("run not found")

// ErrInjected is the default error used for injected failures.
var ErrInjected = errors.New("injected storage failure")

// Store is an in-memory implementation of [dset.Store].
//
// All methods are safe for concurrent use. Failures are scripted with
// [Store.FailCommits] and [Store.FailBegins]; counters expose how often
// the flush path hit the store.
type Store struct {
	mu   sync.Mutex
	runs map[string]*runData

	failCommits   int
	commitErr     error
	failBegins    int
	beginErr      error
	failFinalizes int
	finalizeErr   error

	commitAttempts int
	commits        int
}

type runData struct {
	rec    dset.RunRecord
	cols   map[string][]dset.Value
	ranges []dset.SeqRange
}

// New returns an empty store.
func New() *Store {
	return &Store{runs: make(map[string]*runData)}
}

// FailCommits makes the next n Commit calls fail with err
// ([ErrInjected] when err is nil).
func (s *Store) FailCommits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrInjected
	}

	s.failCommits = n
	s.commitErr = err
}

// FailBegins makes the next n Begin calls fail with err
// ([ErrInjected] when err is nil).
func (s *Store) FailBegins(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrInjected
	}

	s.failBegins = n
	s.beginErr = err
}

// FailFinalizes makes the next n MarkFinalized calls fail with err
// ([ErrInjected] when err is nil).
func (s *Store) FailFinalizes(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrInjected
	}

	s.failFinalizes = n
	s.finalizeErr = err
}

// CommitAttempts returns the number of Commit calls, including failed
// and deduplicated ones.
func (s *Store) CommitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitAttempts
}

// Commits returns the number of commits that actually applied data.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commits
}

// CommittedRanges returns the sequence ranges committed for a run, in
// commit order.
func (s *Store) CommittedRanges(runID string) []dset.SeqRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.runs[runID]
	if !ok {
		return nil
	}

	out := make([]dset.SeqRange, len(rd.ranges))
	copy(out, rd.ranges)

	return out
}

// CreateRun implements [dset.Store].
func (s *Store) CreateRun(_ context.Context, rec dset.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.runs[rec.ID]; dup {
		return fmt.Errorf("create run %s: already exists", rec.ID)
	}

	s.runs[rec.ID] = &runData{
		rec:  rec,
		cols: make(map[string][]dset.Value),
	}

	return nil
}

// Read implements [dset.Store].
func (s *Store) Read(_ context.Context, runID, param string, start, end int) ([]dset.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	col := rd.cols[param]
	if start < 0 || end < start || end > len(col) {
		return nil, fmt.Errorf("read %s/%s: range [%d, %d) outside %d stored rows",
			runID, param, start, end, len(col))
	}

	out := make([]dset.Value, end-start)
	copy(out, col[start:end])

	return out, nil
}

// MarkFinalized implements [dset.Store].
func (s *Store) MarkFinalized(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failFinalizes > 0 {
		s.failFinalizes--

		return s.finalizeErr
	}

	rd, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if rd.rec.State == dset.StateInterrupted {
		return fmt.Errorf("finalize run %s: run is interrupted", runID)
	}

	rd.rec.State = dset.StateCompleted

	return nil
}

// MarkInterrupted implements [dset.Store].
func (s *Store) MarkInterrupted(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if rd.rec.State == dset.StateCompleted {
		return fmt.Errorf("interrupt run %s: run is finalized", runID)
	}

	rd.rec.State = dset.StateInterrupted

	return nil
}

// IsFinalized implements [dset.Store].
func (s *Store) IsFinalized(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	return rd.rec.State == dset.StateCompleted, nil
}

// LoadRun implements [dset.Store].
func (s *Store) LoadRun(_ context.Context, runID string) (dset.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.runs[runID]
	if !ok {
		return dset.RunRecord{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	return rd.rec, nil
}

// ListRuns implements [dset.Store].
func (s *Store) ListRuns(_ context.Context) ([]dset.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]dset.RunRecord, 0, len(s.runs))
	for _, rd := range s.runs {
		out = append(out, rd.rec)
	}

	return out, nil
}

// staged is one buffered Write call.
type staged struct {
	param  string
	start  int
	values []dset.Value
}

// txn buffers writes until Commit, like a real transactional store.
type txn struct {
	store  *Store
	runID  string
	seq    dset.SeqRange
	writes []staged
	closed bool
}

// Begin implements [dset.Store].
func (s *Store) Begin(_ context.Context, runID string, r dset.SeqRange) (dset.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failBegins > 0 {
		s.failBegins--

		return nil, s.beginErr
	}

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if r.First == 0 || r.Last < r.First {
		return nil, fmt.Errorf("begin %s: invalid sequence range (%d, %d)", runID, r.First, r.Last)
	}

	return &txn{store: s, runID: runID, seq: r}, nil
}

// Write implements [dset.Txn].
func (t *txn) Write(_ context.Context, param string, start int, values []dset.Value) error {
	if t.closed {
		return errors.New("write: transaction is closed")
	}

	cp := make([]dset.Value, len(values))
	copy(cp, values)

	t.writes = append(t.writes, staged{param: param, start: start, values: cp})

	return nil
}

// Commit implements [dset.Txn]. Re-committing an already-committed
// sequence range is a no-op, matching the idempotence contract.
func (t *txn) Commit(_ context.Context) error {
	if t.closed {
		return errors.New("commit: transaction is closed")
	}

	t.closed = true

	s := t.store

	s.mu.Lock()
	defer s.mu.Unlock()

	s.commitAttempts++

	if s.failCommits > 0 {
		s.failCommits--

		return s.commitErr
	}

	rd, ok := s.runs[t.runID]
	if !ok {
		return fmt.Errorf("run %s: %w", t.runID, ErrNotFound)
	}

	for _, r := range rd.ranges {
		if r == t.seq {
			return nil // already durable
		}
	}

	for _, w := range t.writes {
		col := rd.cols[w.param]

		if need := w.start + len(w.values); need > len(col) {
			col = append(col, make([]dset.Value, need-len(col))...)
		}

		copy(col[w.start:], w.values)
		rd.cols[w.param] = col
	}

	rd.ranges = append(rd.ranges, t.seq)

	if t.seq.Last > rd.rec.Checkpoint {
		rd.rec.Checkpoint = t.seq.Last
	}

	s.commits++

	return nil
}

// Rollback implements [dset.Txn].
func (t *txn) Rollback() error {
	t.closed = true
	t.writes = nil

	return nil
}

// Compile-time interface checks.
var (
	_ dset.Store = (*Store)(nil)
	_ dset.Txn   = (*txn)(nil)
)
