package dset

import (
	"fmt"
	"sync"
)

// column holds the in-memory rows of one parameter.
//
// Rows are addressed by absolute index: values[i] is row base+i. Rows below
// base were flushed and evicted; rows below flushed are durable in the
// backing store but may still be retained in memory.
type column struct {
	spec    ParamSpec
	base    int
	flushed int
	values  []Value
}

func (c *column) total() int {
	return c.base + len(c.values)
}

// resultBuffer is the append-only in-memory store for one run.
//
// Discipline: readers-concurrent / single-writer-exclusive. Append mutates
// under the write lock; everything else takes the read lock. Individual
// rows ([Value]) are immutable once appended, so snapshots can hand out
// slice headers without copying row data.
type resultBuffer struct {
	mu     sync.RWMutex
	schema *Schema
	cols   map[string]*column
	order  []string

	// seq counts appended batches; it is the run's write-sequence counter.
	seq uint64

	// pendingRows/pendingBytes track data appended but not yet committed
	// to storage. They feed the flush thresholds.
	pendingRows  int
	pendingBytes int

	// notify is closed and replaced on every append. Subscribers grab the
	// current channel and wait on it; the close is a broadcast.
	notify chan struct{}
}

func newResultBuffer(schema *Schema) *resultBuffer {
	cols := make(map[string]*column, len(schema.Params()))
	order := make([]string, 0, len(schema.Params()))

	for _, p := range schema.Params() {
		cols[p.Name] = &column{spec: p}
		order = append(order, p.Name)
	}

	return &resultBuffer{
		schema: schema,
		cols:   cols,
		order:  order,
		notify: make(chan struct{}),
	}
}

// append validates the batch and, if valid, applies it atomically and
// returns the assigned write-sequence number. On any validation error
// nothing is applied.
func (b *resultBuffer) append(batch Batch) (uint64, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrSchemaViolation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate everything before touching any column so a rejected batch
	// leaves no trace.
	for name, vals := range batch {
		col, ok := b.cols[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}

		if len(vals) == 0 {
			return 0, fmt.Errorf("%w: parameter %q: no values", ErrSchemaViolation, name)
		}

		for _, v := range vals {
			if err := col.spec.checkValue(v); err != nil {
				return 0, err
			}
		}
	}

	// Dependency rule: after the batch, no result column may be longer
	// than any setpoint column it depends on.
	for name, vals := range batch {
		col := b.cols[name]
		if col.spec.Role != RoleResult {
			continue
		}

		newTotal := col.total() + len(vals)

		for _, dep := range col.spec.DependsOn {
			depCol := b.cols[dep]

			depTotal := depCol.total() + len(batch[dep])
			if newTotal > depTotal {
				return 0, fmt.Errorf("%w: %q has no matching %q value", ErrSchemaViolation, name, dep)
			}
		}
	}

	for name, vals := range batch {
		col := b.cols[name]
		col.values = append(col.values, vals...)

		b.pendingRows += len(vals)
		for _, v := range vals {
			b.pendingBytes += 8 * len(v)
		}
	}

	b.seq++

	// Broadcast to subscribers.
	close(b.notify)
	b.notify = make(chan struct{})

	return b.seq, nil
}

// lastSeq returns the current write-sequence counter.
func (b *resultBuffer) lastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.seq
}

// pending returns the unflushed sample count and byte estimate.
func (b *resultBuffer) pending() (rows, bytes int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.pendingRows, b.pendingBytes
}

// updated returns the channel that is closed on the next append.
func (b *resultBuffer) updated() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.notify
}

// total returns the number of rows collected so far for a parameter,
// including rows evicted from memory.
func (b *resultBuffer) total(name string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	col, ok := b.cols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}

	return col.total(), nil
}

// snapshot returns the retained rows of [start, end) for a parameter.
//
// memStart is the first row index actually served from memory; rows in
// [start, memStart) were evicted after a flush and must be read from the
// backing store. The returned slice aliases immutable rows and is safe to
// use after the lock is released.
func (b *resultBuffer) snapshot(name string, start, end int) (memStart int, vals []Value, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	col, ok := b.cols[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}

	if start < 0 || end < start {
		return 0, nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}

	if end > col.total() {
		return 0, nil, fmt.Errorf("%w: [%d, %d), have %d rows", ErrInvalidRange, start, end, col.total())
	}

	memStart = start
	if memStart < col.base {
		memStart = col.base
	}

	if memStart >= end {
		return memStart, nil, nil
	}

	return memStart, col.values[memStart-col.base : end-col.base], nil
}

// colRange is the unflushed window of one column captured for a flush.
type colRange struct {
	name   string
	start  int
	values []Value
}

// flushView is a consistent capture of everything not yet committed to
// storage: the write-sequence range (first, last] and the per-column row
// windows that range covers.
type flushView struct {
	first uint64 // checkpoint at capture time; flushed range is (first, last]
	last  uint64
	rows  int
	bytes int
	cols  []colRange
}

// capture takes a consistent view of all rows not yet marked flushed.
// Returns ok=false when there is nothing to flush.
//
// afterSeq is the caller's current checkpoint; flushes always cover the
// contiguous range (afterSeq, seq], so commits are a prefix of append
// order.
func (b *resultBuffer) capture(afterSeq uint64) (flushView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.seq <= afterSeq || b.pendingRows == 0 {
		return flushView{}, false
	}

	view := flushView{
		first: afterSeq,
		last:  b.seq,
		rows:  b.pendingRows,
		bytes: b.pendingBytes,
	}

	for _, name := range b.order {
		col := b.cols[name]
		if col.total() == col.flushed {
			continue
		}

		view.cols = append(view.cols, colRange{
			name:   name,
			start:  col.flushed,
			values: col.values[col.flushed-col.base:],
		})
	}

	return view, true
}

// markFlushed records that a captured view was durably committed. When
// trim is set, the flushed rows are evicted from memory; readers then fall
// through to the backing store for them.
func (b *resultBuffer) markFlushed(view flushView, trim bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cr := range view.cols {
		col := b.cols[cr.name]
		col.flushed = cr.start + len(cr.values)

		if trim {
			retained := make([]Value, len(col.values)-(col.flushed-col.base))
			copy(retained, col.values[col.flushed-col.base:])

			col.values = retained
			col.base = col.flushed
		}
	}

	b.pendingRows -= view.rows
	b.pendingBytes -= view.bytes
}
