package dset_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qmeasure/dset"
	"github.com/qmeasure/dset/internal/sqlitestore"
)

// TestSweepAgainstSqlite drives a full acquisition against the real
// backing store: sweep x, measure y, complete, reopen, read everything
// back.
func TestSweepAgainstSqlite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)

	schema, err := dset.NewSchema(
		dset.ParamSpec{Name: "x", Role: dset.RoleSetpoint},
		dset.ParamSpec{Name: "y", Role: dset.RoleResult, DependsOn: []string{"x"}},
	)
	require.NoError(t, err)

	run, err := dset.New(ctx, store, schema, dset.Config{MaxSamples: 4, TrimFlushed: true},
		dset.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	const points = 10

	wantY := make([]dset.Value, 0, points)

	for i := 0; i < points; i++ {
		y := dset.Scalar(float64(i) * 0.5)
		wantY = append(wantY, y)

		_, err := run.Append(ctx, dset.Batch{
			"x": {dset.Scalar(float64(i))},
			"y": {y},
		})
		require.NoError(t, err)
	}

	// Reads during the run see one seamless sequence regardless of how
	// much has been flushed and evicted so far.
	gotY, err := run.Reader().Get(ctx, "y", 0, points)
	require.NoError(t, err)

	if diff := cmp.Diff(wantY, gotY); diff != "" {
		t.Fatalf("live read mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, run.Complete(ctx))
	assert.Equal(t, run.Seq(), run.Checkpoint())
	require.NoError(t, store.Close())

	// A fresh process sees the completed run with all data durable.
	store2, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store2.Close() })

	rec, err := store2.LoadRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, dset.StateCompleted, rec.State)
	assert.Equal(t, uint64(points), rec.Checkpoint)

	gotY, err = store2.Read(ctx, run.ID(), "y", 0, points)
	require.NoError(t, err)

	if diff := cmp.Diff(wantY, gotY); diff != "" {
		t.Fatalf("durable read mismatch (-want +got):\n%s", diff)
	}
}

// TestCrashRecoveryAgainstSqlite kills the writer (by dropping the run
// without Complete) and verifies the next open marks the run interrupted
// while keeping every checkpointed value.
func TestCrashRecoveryAgainstSqlite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)

	schema, err := dset.NewSchema(
		dset.ParamSpec{Name: "x", Role: dset.RoleSetpoint},
		dset.ParamSpec{Name: "y", Role: dset.RoleResult, DependsOn: []string{"x"}},
	)
	require.NoError(t, err)

	run, err := dset.New(ctx, store, schema, dset.Config{},
		dset.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = run.Append(ctx, dset.Batch{"x": {dset.Scalar(1)}, "y": {dset.Scalar(10)}})
	require.NoError(t, err)

	require.NoError(t, run.FlushNow(ctx))

	// This batch never reaches storage before the "crash".
	_, err = run.Append(ctx, dset.Batch{"x": {dset.Scalar(2)}, "y": {dset.Scalar(20)}})
	require.NoError(t, err)

	// Crash: the process dies without Complete or Abort.
	require.NoError(t, store.Close())

	store2, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store2.Close() })

	rec, err := store2.LoadRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, dset.StateInterrupted, rec.State)

	// Exactly the checkpointed prefix survived.
	assert.Equal(t, uint64(1), rec.Checkpoint)

	n, err := store2.Rows(ctx, run.ID(), "y")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store2.Read(ctx, run.ID(), "y", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []dset.Value{dset.Scalar(10)}, got)
}
