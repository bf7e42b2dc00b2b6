package dset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run owns one measurement session: its result buffer, its flush
// coordinator, and its lifecycle state. The acquisition loop is the single
// writer; any number of readers go through [Run.Reader].
type Run struct {
	id     string
	schema *Schema
	store  Store
	cfg    Config
	log    *zap.Logger

	buf   *resultBuffer
	coord *flushCoordinator

	// writing enforces the single-writer invariant: at most one Append in
	// flight. Append only ever tries the lock (a second writer loses, it
	// never queues); Complete and Abort take it for real to wait out an
	// in-flight append before setting closing.
	writing sync.Mutex

	// closing rejects new appends once Complete or Abort has started,
	// before the state becomes terminal.
	closing atomic.Bool

	// stateMu guards terminal transitions and the done close.
	stateMu sync.Mutex
	state   atomic.Int32
	done    chan struct{}

	// opMu serializes Complete and Abort.
	opMu sync.Mutex

	startedAt time.Time
}

type runOptions struct {
	log *zap.Logger
	id  string
}

// Option configures a Run at creation time.
type Option func(*runOptions)

// WithLogger sets the logger used by the run and its flush coordinator.
// The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *runOptions) { o.log = log }
}

// WithID overrides the generated run ID. Mainly useful in tests; IDs must
// be unique within a store.
func WithID(id string) Option {
	return func(o *runOptions) { o.id = id }
}

// New creates a run, persists its metadata in the store, and starts the
// background flush worker. The caller must end the run with [Run.Complete]
// or [Run.Abort].
func New(ctx context.Context, store Store, schema *Schema, cfg Config, opts ...Option) (*Run, error) {
	if ctx == nil {
		return nil, errors.New("new run: context is nil")
	}

	if store == nil {
		return nil, errors.New("new run: store is nil")
	}

	if schema == nil {
		return nil, errors.New("new run: schema is nil")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()

	options := runOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	id := options.id
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("new run: generate id: %w", err)
		}

		id = u.String()
	}

	r := &Run{
		id:        id,
		schema:    schema,
		store:     store,
		cfg:       cfg,
		log:       options.log,
		buf:       newResultBuffer(schema),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.state.Store(int32(StatePending))

	rec := RunRecord{
		ID:        id,
		Params:    schema.Params(),
		State:     StateRunning,
		StartedAt: r.startedAt,
	}

	err := store.CreateRun(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("new run: %w", err)
	}

	r.coord = newFlushCoordinator(id, store, r.buf, cfg, options.log, r.interruptAsync)
	r.coord.start()

	r.log.Info("run started", zap.String("run_id", id), zap.Int("parameters", len(schema.Params())))

	return r, nil
}

// ID returns the run's unique identifier.
func (r *Run) ID() string {
	return r.id
}

// Schema returns the run's parameter declarations.
func (r *Run) Schema() *Schema {
	return r.schema
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	return State(r.state.Load())
}

// Done returns a channel closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Checkpoint returns the highest write-sequence number durably committed
// to the backing store.
func (r *Run) Checkpoint() uint64 {
	return r.coord.flushedCheckpoint()
}

// Seq returns the current write-sequence counter (batches appended).
func (r *Run) Seq() uint64 {
	return r.buf.lastSeq()
}

// Append validates the batch and applies it atomically, returning the
// assigned write-sequence number. It never blocks on storage I/O; flushing
// happens on the background worker.
//
// Errors: [ErrConcurrentWrite] when another Append is in flight,
// [ErrRunClosed] once the run is terminal (or closing), and the
// [ErrSchemaViolation] / [ErrShapeMismatch] / [ErrUnknownParameter]
// family for invalid batches. A rejected batch leaves the run unchanged
// and still accepting data.
func (r *Run) Append(ctx context.Context, batch Batch) (uint64, error) {
	if ctx == nil {
		return 0, errors.New("append: context is nil")
	}

	if !r.writing.TryLock() {
		return 0, fmt.Errorf("append run %s: %w", r.id, ErrConcurrentWrite)
	}
	defer r.writing.Unlock()

	if r.closing.Load() || r.State().Terminal() {
		return 0, fmt.Errorf("append run %s (%s): %w", r.id, r.State(), ErrRunClosed)
	}

	seq, err := r.buf.append(batch)
	if err != nil {
		return 0, fmt.Errorf("append run %s: %w", r.id, err)
	}

	if r.State() == StatePending {
		r.stateMu.Lock()
		if State(r.state.Load()) == StatePending {
			r.state.Store(int32(StateRunning))
		}
		r.stateMu.Unlock()
	}

	r.coord.maybeFlush()

	return seq, nil
}

// FlushNow synchronously flushes all buffered data. It returns once the
// store acknowledged the transaction or a terminal storage failure
// occurred; in the latter case the run transitions to interrupted and the
// error is returned. A storage error recorded by an earlier background
// flush is surfaced here too, even after the run became terminal.
func (r *Run) FlushNow(ctx context.Context) error {
	if r.State().Terminal() {
		return r.closedErr("flush")
	}

	err := r.coord.flushNow(ctx)

	var fErr *FlushError
	if errors.As(err, &fErr) {
		r.interrupt(ctx, fErr)
	}

	return err
}

// Reader returns the read view over this run.
func (r *Run) Reader() *ReadView {
	return &ReadView{run: r}
}

// Complete ends the run normally: it flushes everything buffered, marks
// the run finalized in the store, and transitions to [StateCompleted].
//
// If the final flush fails terminally the run transitions to
// [StateInterrupted] and the flush error is returned. If only the
// finalization write fails, the run stays running and Complete may be
// retried.
func (r *Run) Complete(ctx context.Context) error {
	if ctx == nil {
		return errors.New("complete: context is nil")
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State().Terminal() {
		return r.closedErr("complete")
	}

	// Wait out any in-flight append and set closing while holding the
	// writer lock: a batch either lands before the final flush captures
	// it, or is rejected. No acknowledged batch can slip past the flush.
	r.writing.Lock()
	r.closing.Store(true)
	r.writing.Unlock()

	err := r.coord.flushNow(ctx)
	if err != nil {
		var fErr *FlushError
		if errors.As(err, &fErr) {
			r.interrupt(ctx, fErr)

			return err
		}

		// Context or transient failure: data stays buffered, run stays
		// open, the caller may retry.
		r.closing.Store(false)

		return err
	}

	err = r.store.MarkFinalized(ctx, r.id)
	if err != nil {
		r.closing.Store(false)

		return fmt.Errorf("complete run %s: %w", r.id, err)
	}

	r.finish(StateCompleted)
	r.coord.close()

	r.log.Info("run completed",
		zap.String("run_id", r.id),
		zap.Uint64("checkpoint", r.Checkpoint()))

	return nil
}

// Abort ends the run without finalizing it. Data flushed up to the last
// checkpoint stays valid and readable; buffered data after the checkpoint
// is dropped. Aborting an already-terminal run is a no-op.
func (r *Run) Abort(ctx context.Context) error {
	if ctx == nil {
		return errors.New("abort: context is nil")
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State().Terminal() {
		return nil
	}

	r.writing.Lock()
	r.closing.Store(true)
	r.writing.Unlock()

	r.finish(StateInterrupted)
	r.coord.close()

	err := r.store.MarkInterrupted(ctx, r.id)
	if err != nil {
		return fmt.Errorf("abort run %s: %w", r.id, err)
	}

	r.log.Info("run aborted",
		zap.String("run_id", r.id),
		zap.Uint64("checkpoint", r.Checkpoint()))

	return nil
}

// closedErr builds the terminal-state error for op. When a background
// flush failure put the run into this state, the recorded cause is
// attached so the caller learns why the run closed, not just that it did.
func (r *Run) closedErr(op string) error {
	if fatal := r.coord.fatalErr(); fatal != nil {
		return fmt.Errorf("%s run %s (%s): %w: %w", op, r.id, r.State(), ErrRunClosed, fatal)
	}

	return fmt.Errorf("%s run %s (%s): %w", op, r.id, r.State(), ErrRunClosed)
}

// finish performs the terminal transition exactly once.
func (r *Run) finish(state State) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if State(r.state.Load()).Terminal() {
		return false
	}

	r.state.Store(int32(state))
	close(r.done)

	return true
}

// interrupt transitions the run to interrupted after an unrecoverable
// flush failure and records the state in the store (best effort; the
// startup sweep catches it otherwise).
func (r *Run) interrupt(ctx context.Context, cause error) {
	if !r.finish(StateInterrupted) {
		return
	}

	r.closing.Store(true)

	// Signal only: this may run on the flush worker itself, which must not
	// wait for its own exit.
	r.coord.shutdown()

	r.log.Error("run interrupted", zap.String("run_id", r.id), zap.Error(cause))

	err := r.store.MarkInterrupted(ctx, r.id)
	if err != nil {
		r.log.Warn("recording interrupted state failed; startup sweep will catch it",
			zap.String("run_id", r.id), zap.Error(err))
	}
}

// interruptAsync is the flush coordinator's fatal-error callback. It runs
// on the worker goroutine, which exits right after, so it must not wait on
// the coordinator.
func (r *Run) interruptAsync(cause error) {
	r.interrupt(context.Background(), cause)
}
