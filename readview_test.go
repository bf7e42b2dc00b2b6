package dset_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmeasure/dset"
	"github.com/qmeasure/dset/internal/storetest"
)

func TestGetMergesStoreAndBuffer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storetest.New()

	// Trimming evicts flushed rows, so a full read has to stitch the
	// store prefix and the buffered tail together.
	run := newXYRun(t, store, dset.Config{TrimFlushed: true})

	for i := 1; i <= 2; i++ {
		_, err := run.Append(ctx, dset.Batch{
			"x": {dset.Scalar(float64(i))},
			"y": {dset.Scalar(float64(i * 10))},
		})
		require.NoError(t, err)
	}

	require.NoError(t, run.FlushNow(ctx))

	_, err := run.Append(ctx, dset.Batch{
		"x": {dset.Scalar(3)},
		"y": {dset.Scalar(30)},
	})
	require.NoError(t, err)

	reader := run.Reader()

	n, err := reader.Len("x")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := reader.Get(ctx, "x", 0, 3)
	require.NoError(t, err)

	want := []dset.Value{dset.Scalar(1), dset.Scalar(2), dset.Scalar(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged read mismatch (-want +got):\n%s", diff)
	}

	// A sub-range entirely in the evicted prefix comes from the store.
	got, err = reader.Get(ctx, "y", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []dset.Value{dset.Scalar(10), dset.Scalar(20)}, got)

	// A sub-range entirely in memory skips the store.
	got, err = reader.Get(ctx, "y", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []dset.Value{dset.Scalar(30)}, got)

	require.NoError(t, run.Complete(ctx))
}

func TestGetValidatesRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	run := newXYRun(t, storetest.New(), dset.Config{})

	reader := run.Reader()

	_, err := reader.Get(ctx, "x", 0, 1)
	require.ErrorIs(t, err, dset.ErrInvalidRange)

	_, err = reader.Get(ctx, "nope", 0, 0)
	require.ErrorIs(t, err, dset.ErrUnknownParameter)

	require.NoError(t, run.Abort(ctx))
}

func TestSubscriptionDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	run := newXYRun(t, storetest.New(), dset.Config{})
	reader := run.Reader()

	subA, err := reader.Subscribe("y")
	require.NoError(t, err)

	subB, err := reader.Subscribe("y")
	require.NoError(t, err)

	_, err = reader.Subscribe("nope")
	require.ErrorIs(t, err, dset.ErrUnknownParameter)

	collect := func(sub *dset.Subscription) <-chan []dset.Value {
		out := make(chan []dset.Value, 1)

		go func() {
			var got []dset.Value

			for {
				v, ok, err := sub.Next(ctx)
				if err != nil {
					t.Errorf("next: %v", err)

					break
				}

				if !ok {
					break
				}

				got = append(got, v)
			}

			out <- got
		}()

		return out
	}

	gotA := collect(subA)
	gotB := collect(subB)

	want := make([]dset.Value, 0, 5)

	for i := 1; i <= 5; i++ {
		v := dset.Scalar(float64(i * 10))
		want = append(want, v)

		_, err := run.Append(ctx, dset.Batch{"x": {dset.Scalar(float64(i))}, "y": {v}})
		require.NoError(t, err)

		if i == 3 {
			// A flush mid-stream must not disturb delivery.
			require.NoError(t, run.FlushNow(ctx))
		}
	}

	require.NoError(t, run.Complete(ctx))

	// Both subscribers see the full series, in order, exactly once.
	assert.Equal(t, want, <-gotA)
	assert.Equal(t, want, <-gotB)
}

func TestSubscriptionEndsAtTerminalState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	run := newXYRun(t, storetest.New(), dset.Config{})

	_, err := run.Append(ctx, dset.Batch{"x": {dset.Scalar(1)}, "y": {dset.Scalar(10)}})
	require.NoError(t, err)

	require.NoError(t, run.Complete(ctx))

	// Subscribing after the run ended still yields all values, then ends.
	sub, err := run.Reader().Subscribe("y")
	require.NoError(t, err)

	v, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dset.Scalar(10), v)

	_, ok, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// The sequence stays ended.
	_, ok, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscriptionNextHonorsContext(t *testing.T) {
	t.Parallel()

	run := newXYRun(t, storetest.New(), dset.Config{})

	sub, err := run.Reader().Subscribe("x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := sub.Next(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cursor did not advance; a value appended later is still seen.
	_, err = run.Append(context.Background(), dset.Batch{"x": {dset.Scalar(1)}})
	require.NoError(t, err)

	v, ok, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dset.Scalar(1), v)

	require.NoError(t, run.Abort(context.Background()))
}

func TestSubscriptionRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	run := newXYRun(t, storetest.New(), dset.Config{})

	for i := 1; i <= 3; i++ {
		_, err := run.Append(ctx, dset.Batch{"x": {dset.Scalar(float64(i))}})
		require.NoError(t, err)
	}

	require.NoError(t, run.Complete(ctx))

	sub, err := run.Reader().Subscribe("x")
	require.NoError(t, err)

	var first []dset.Value

	sub.All(ctx)(func(v dset.Value) bool {
		first = append(first, v)
		return true
	})

	require.NoError(t, sub.Err())
	require.Len(t, first, 3)

	// Rewind to the second value and replay the tail.
	sub.Restart(1)

	var replay []dset.Value

	sub.All(ctx)(func(v dset.Value) bool {
		replay = append(replay, v)
		return true
	})

	require.NoError(t, sub.Err())
	assert.Equal(t, first[1:], replay)

	// Negative restart clamps to the beginning.
	sub.Restart(-5)

	var full []dset.Value

	sub.All(ctx)(func(v dset.Value) bool {
		full = append(full, v)
		return true
	})

	require.NoError(t, sub.Err())
	assert.Equal(t, first, full)
}

func TestSubscriptionAllRecordsError(t *testing.T) {
	t.Parallel()

	run := newXYRun(t, storetest.New(), dset.Config{})

	sub, err := run.Reader().Subscribe("x")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub.All(ctx)(func(dset.Value) bool {
		t.Fatal("no value expected")
		return true
	})

	require.ErrorIs(t, sub.Err(), context.Canceled)

	require.NoError(t, run.Abort(context.Background()))
}
