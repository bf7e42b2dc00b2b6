// Package dset is a write-back cache for measurement-run datasets.
//
// It sits between a live acquisition loop producing samples at irregular
// rates and a durable, transactional backing store. The acquisition loop
// appends batches without blocking on storage I/O, concurrent readers
// observe the latest state without tearing, and data that has been
// checkpointed to storage is never silently lost when the process dies
// mid-run.
//
// # Basic Usage
//
//	schema, err := dset.NewSchema(
//	    dset.ParamSpec{Name: "bias", Role: dset.RoleSetpoint},
//	    dset.ParamSpec{Name: "current", Role: dset.RoleResult, DependsOn: []string{"bias"}},
//	)
//	run, err := dset.New(ctx, store, schema, dset.DefaultConfig())
//
//	// Writer side (one goroutine):
//	run.Append(ctx, dset.Batch{
//	    "bias":    {dset.Scalar(0.1)},
//	    "current": {dset.Scalar(1.3e-9)},
//	})
//	run.Complete(ctx)
//
//	// Reader side (any number of goroutines):
//	view := run.Reader()
//	values, err := view.Get(ctx, "current", 0, 100)
//	sub, err := view.Subscribe("current")
//	for {
//	    v, ok, err := sub.Next(ctx)
//	    if !ok || err != nil {
//	        break
//	    }
//	    // plot v
//	}
//
// # Concurrency
//
// dset uses a multi-reader, single-writer model per run:
//   - Read operations on [ReadView] are safe for concurrent use
//   - At most one Append may be in flight per run; a second concurrent
//     writer is rejected with [ErrConcurrentWrite]
//   - Flushing runs on a background goroutine; Append never waits for
//     storage except when [Run.FlushNow] or [Run.Complete] is called
//
// # Durability
//
// Buffered batches are flushed to the [Store] when a configured threshold
// fires (sample count, byte estimate, or elapsed time; see [Config]).
// Each flush commits a contiguous write-sequence range as one transaction;
// the checkpoint only advances on success, so a crashed writer loses at
// most the window since the last checkpoint. A run found unfinalized when
// the store is reopened is marked interrupted, never silently resumed.
package dset
