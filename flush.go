package dset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// flushCoordinator drains the result buffer into the backing store.
//
// Writes are submitted as one transaction per flush covering the
// contiguous write-sequence range (checkpoint, last]. The checkpoint only
// advances on a successful commit, so a failed flush is retried over the
// same (possibly grown) range on the next trigger. The store deduplicates
// by (run ID, sequence range), making retries safe.
//
// Flush work runs on its own goroutine so Append never blocks on storage;
// flushNow serializes with the background worker through flushMu.
type flushCoordinator struct {
	runID string
	store Store
	buf   *resultBuffer
	cfg   Config
	log   *zap.Logger

	// flushMu serializes flush attempts. The store never sees concurrent
	// transactions for the same run.
	flushMu sync.Mutex

	checkpoint atomic.Uint64

	// fatalMu guards fatal, the first unrecoverable storage error.
	// Once set, all further flushes fail fast with it.
	fatalMu sync.Mutex
	fatal   error

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// onFatal is invoked (once, from the background goroutine) when a
	// background flush exhausts its retry budget.
	onFatal func(error)
}

func newFlushCoordinator(runID string, store Store, buf *resultBuffer, cfg Config, log *zap.Logger, onFatal func(error)) *flushCoordinator {
	return &flushCoordinator{
		runID:   runID,
		store:   store,
		buf:     buf,
		cfg:     cfg,
		log:     log,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onFatal: onFatal,
	}
}

// start launches the background flush goroutine.
func (c *flushCoordinator) start() {
	go c.run()
}

func (c *flushCoordinator) run() {
	defer close(c.done)

	var tick <-chan time.Time

	if c.cfg.MaxInterval > 0 {
		ticker := time.NewTicker(c.cfg.MaxInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-c.stop:
			return
		case <-c.trigger:
		case <-tick:
		}

		err := c.flush(context.Background())
		if err != nil {
			// Either the retry budget is exhausted (fatal, run becomes
			// interrupted) or the coordinator is stopping mid-backoff.
			// Both end this worker.
			var fErr *FlushError
			if errors.As(err, &fErr) {
				c.onFatal(fErr)
			}

			return
		}
	}
}

// shutdown signals the background worker to exit without waiting for it.
// Safe to call from the worker itself. Idempotent.
func (c *flushCoordinator) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// close stops the background worker and waits for it to exit. Idempotent.
func (c *flushCoordinator) close() {
	c.shutdown()
	<-c.done
}

// flushedCheckpoint returns the highest write-sequence number known to be
// durable.
func (c *flushCoordinator) flushedCheckpoint() uint64 {
	return c.checkpoint.Load()
}

// fatalErr returns the recorded unrecoverable flush error, if any.
func (c *flushCoordinator) fatalErr() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()

	return c.fatal
}

// maybeFlush checks the size thresholds and nudges the background worker.
// Called after every append; never blocks.
func (c *flushCoordinator) maybeFlush() {
	if c.cfg.MaxSamples == 0 && c.cfg.MaxBytes == 0 {
		return
	}

	rows, bytes := c.buf.pending()

	fire := (c.cfg.MaxSamples > 0 && rows >= c.cfg.MaxSamples) ||
		(c.cfg.MaxBytes > 0 && bytes >= c.cfg.MaxBytes)
	if !fire {
		return
	}

	select {
	case c.trigger <- struct{}{}:
	default: // a trigger is already pending
	}
}

// flushNow synchronously flushes everything buffered so far. It returns
// only after the store acknowledged the transaction, a previously recorded
// background failure is surfaced, or the retry budget is exhausted.
func (c *flushCoordinator) flushNow(ctx context.Context) error {
	return c.flush(ctx)
}

// flush performs one flush cycle: capture, submit, retry with backoff.
//
// Returns nil when there was nothing to flush or the commit succeeded.
// A *FlushError return means the retry budget is exhausted; the error is
// recorded so later calls fail fast. A context error is returned as-is
// and is not recorded: the data stays buffered and the next trigger
// retries from the same checkpoint.
func (c *flushCoordinator) flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.fatalMu.Lock()
	fatal := c.fatal
	c.fatalMu.Unlock()

	if fatal != nil {
		return fatal
	}

	view, ok := c.buf.capture(c.checkpoint.Load())
	if !ok {
		return nil
	}

	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryLimit; attempt++ {
		lastErr = c.commit(ctx, view)
		if lastErr == nil {
			c.checkpoint.Store(view.last)
			c.buf.markFlushed(view, c.cfg.TrimFlushed)

			c.log.Debug("flushed",
				zap.String("run_id", c.runID),
				zap.Uint64("first_seq", view.first+1),
				zap.Uint64("last_seq", view.last),
				zap.Int("samples", view.rows),
				zap.Int("bytes", view.bytes),
				zap.Int("attempt", attempt))

			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("flush run %s: %w", c.runID, ctx.Err())
		}

		c.log.Warn("flush attempt failed",
			zap.String("run_id", c.runID),
			zap.Uint64("last_seq", view.last),
			zap.Int("attempt", attempt),
			zap.Int("retry_limit", c.cfg.RetryLimit),
			zap.Error(lastErr))

		if attempt < c.cfg.RetryLimit {
			if err := c.backoff(ctx, attempt); err != nil {
				return fmt.Errorf("flush run %s: %w", c.runID, err)
			}
		}
	}

	fErr := &FlushError{RunID: c.runID, Attempts: c.cfg.RetryLimit, Err: lastErr}

	c.fatalMu.Lock()
	c.fatal = fErr
	c.fatalMu.Unlock()

	c.log.Error("flush failed permanently",
		zap.String("run_id", c.runID),
		zap.Int("attempts", fErr.Attempts),
		zap.Error(lastErr))

	return fErr
}

// commit submits one captured view as a single store transaction.
func (c *flushCoordinator) commit(ctx context.Context, view flushView) error {
	txn, err := c.store.Begin(ctx, c.runID, SeqRange{First: view.first + 1, Last: view.last})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	for _, cr := range view.cols {
		err = txn.Write(ctx, cr.name, cr.start, cr.values)
		if err != nil {
			_ = txn.Rollback()

			return fmt.Errorf("write %q: %w", cr.name, err)
		}
	}

	err = txn.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// errStopped aborts a retry loop when the coordinator shuts down.
var errStopped = errors.New("flush coordinator stopped")

// backoff sleeps for BackoffBase doubled per attempt, capped at 5s.
// It returns early when the context is canceled or the coordinator stops.
func (c *flushCoordinator) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BackoffBase << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return errStopped
	}
}
