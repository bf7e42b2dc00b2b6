package dset_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qmeasure/dset"
	"github.com/qmeasure/dset/internal/storetest"
)

// newXYRun builds a run over the canonical x/y schema with flushing only
// on demand, so tests control exactly when storage is hit.
func newXYRun(t *testing.T, store dset.Store, cfg dset.Config) *dset.Run {
	t.Helper()

	schema, err := dset.NewSchema(
		dset.ParamSpec{Name: "x", Role: dset.RoleSetpoint},
		dset.ParamSpec{Name: "y", Role: dset.RoleResult, DependsOn: []string{"x"}},
	)
	require.NoError(t, err)

	run, err := dset.New(context.Background(), store, schema, cfg,
		dset.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	return run
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()

	schema, err := dset.NewSchema(dset.ParamSpec{Name: "x", Role: dset.RoleSetpoint})
	require.NoError(t, err)

	_, err = dset.New(ctx, nil, schema, dset.Config{})
	require.ErrorContains(t, err, "store is nil")

	_, err = dset.New(ctx, store, nil, dset.Config{})
	require.ErrorContains(t, err, "schema is nil")

	_, err = dset.New(ctx, store, schema, dset.Config{MaxSamples: -1})
	require.ErrorIs(t, err, dset.ErrInvalidConfig)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()
	run := newXYRun(t, store, dset.Config{})

	assert.NotEmpty(t, run.ID())
	assert.Equal(t, dset.StatePending, run.State())

	seq, err := run.Append(ctx, dset.Batch{
		"x": {dset.Scalar(0.1)},
		"y": {dset.Scalar(1.0)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, dset.StateRunning, run.State())

	require.NoError(t, run.Complete(ctx))
	assert.Equal(t, dset.StateCompleted, run.State())

	select {
	case <-run.Done():
	default:
		t.Fatal("Done not closed after Complete")
	}

	// Complete flushed everything before finalizing.
	assert.Equal(t, uint64(1), run.Checkpoint())

	rec, err := store.LoadRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, dset.StateCompleted, rec.State)
	assert.Equal(t, uint64(1), rec.Checkpoint)
}

func TestRunWithID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()

	schema, err := dset.NewSchema(dset.ParamSpec{Name: "x", Role: dset.RoleSetpoint})
	require.NoError(t, err)

	run, err := dset.New(ctx, store, schema, dset.Config{}, dset.WithID("run-1"))
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.ID())

	// IDs are unique per store.
	_, err = dset.New(ctx, store, schema, dset.Config{}, dset.WithID("run-1"))
	require.Error(t, err)

	require.NoError(t, run.Abort(ctx))
}

func TestAppendAfterTerminalState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	batch := dset.Batch{"x": {dset.Scalar(1)}, "y": {dset.Scalar(2)}}

	t.Run("completed", func(t *testing.T) {
		t.Parallel()

		run := newXYRun(t, storetest.New(), dset.Config{})
		require.NoError(t, run.Complete(ctx))

		_, err := run.Append(ctx, batch)
		require.ErrorIs(t, err, dset.ErrRunClosed)

		err = run.Complete(ctx)
		require.ErrorIs(t, err, dset.ErrRunClosed)
	})

	t.Run("aborted", func(t *testing.T) {
		t.Parallel()

		run := newXYRun(t, storetest.New(), dset.Config{})
		require.NoError(t, run.Abort(ctx))

		_, err := run.Append(ctx, batch)
		require.ErrorIs(t, err, dset.ErrRunClosed)

		// Abort is idempotent.
		require.NoError(t, run.Abort(ctx))
	})
}

func TestAbortKeepsFlushedData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()
	run := newXYRun(t, store, dset.Config{})

	_, err := run.Append(ctx, dset.Batch{"x": {dset.Scalar(1)}, "y": {dset.Scalar(10)}})
	require.NoError(t, err)

	require.NoError(t, run.FlushNow(ctx))

	_, err = run.Append(ctx, dset.Batch{"x": {dset.Scalar(2)}, "y": {dset.Scalar(20)}})
	require.NoError(t, err)

	require.NoError(t, run.Abort(ctx))
	assert.Equal(t, dset.StateInterrupted, run.State())

	// The checkpoint stops at the flushed batch; the second batch was only
	// in memory.
	assert.Equal(t, uint64(1), run.Checkpoint())

	rec, err := store.LoadRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, dset.StateInterrupted, rec.State)
	assert.Equal(t, uint64(1), rec.Checkpoint)

	stored, err := store.Read(ctx, run.ID(), "x", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []dset.Value{dset.Scalar(1)}, stored)
}

func TestAppendSingleWriter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	run := newXYRun(t, storetest.New(), dset.Config{})

	const (
		writers = 8
		batches = 50
	)

	var (
		wg        sync.WaitGroup
		successes atomic.Uint64
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < batches; j++ {
				_, err := run.Append(ctx, dset.Batch{
					"x": {dset.Scalar(1)},
					"y": {dset.Scalar(2)},
				})

				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, dset.ErrConcurrentWrite):
					// Losing the race is the expected outcome for all but
					// one writer at a time.
				default:
					t.Errorf("unexpected append error: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	// Every accepted batch got exactly one sequence number.
	assert.Equal(t, successes.Load(), run.Seq())

	reader := run.Reader()

	n, err := reader.Len("x")
	require.NoError(t, err)
	assert.Equal(t, int(successes.Load()), n)

	require.NoError(t, run.Complete(ctx))
}

func TestCompleteWaitsForInFlightAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()
	run := newXYRun(t, store, dset.Config{})

	// One writer appends continuously while the main goroutine completes
	// the run. Every batch the writer got an acknowledgment for must be
	// durable after Complete returns; none may land after the final flush.
	acked := make(chan uint64, 1)

	go func() {
		var n uint64

		for {
			_, err := run.Append(ctx, dset.Batch{
				"x": {dset.Scalar(1)},
				"y": {dset.Scalar(2)},
			})
			if err != nil {
				break
			}

			n++
		}

		acked <- n
	}()

	require.NoError(t, run.Complete(ctx))

	select {
	case n := <-acked:
		assert.Equal(t, n, run.Seq())
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not observe the closed run")
	}

	// The final flush covered everything that was acknowledged.
	assert.Equal(t, run.Seq(), run.Checkpoint())
}
