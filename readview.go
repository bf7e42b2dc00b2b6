package dset

import (
	"context"
	"fmt"
)

// ReadView is the consistent read interface over a run. It serves
// already-flushed-and-evicted ranges from the backing store and everything
// else from the result buffer, presented as one seamless ordered sequence
// per parameter; callers never see the flush boundary.
//
// A ReadView is safe for concurrent use and never blocks an in-flight
// append: a reader sees the state before or after a batch, never an
// interleaving.
type ReadView struct {
	run *Run
}

// Len returns the number of values collected so far for a parameter.
// Once Len has returned n, a later call never returns fewer than n.
func (v *ReadView) Len(param string) (int, error) {
	return v.run.buf.total(param)
}

// Get returns rows [start, end) of a parameter in append order.
//
// Rows still in memory are served from the buffer; rows evicted after a
// flush are fetched from the backing store. Requesting rows beyond the
// data collected so far returns [ErrInvalidRange].
func (v *ReadView) Get(ctx context.Context, param string, start, end int) ([]Value, error) {
	if ctx == nil {
		return nil, fmt.Errorf("get %q: context is nil", param)
	}

	memStart, memVals, err := v.run.buf.snapshot(param, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]Value, 0, end-start)

	if memStart > start {
		// The prefix was evicted from memory after a flush; by definition
		// it is durable, so the store must have it.
		stored, err := v.run.store.Read(ctx, v.run.id, param, start, memStart)
		if err != nil {
			return nil, fmt.Errorf("get %q [%d, %d): %w", param, start, memStart, err)
		}

		out = append(out, stored...)
	}

	return append(out, memVals...), nil
}

// Subscribe returns a cursor over all values of a parameter, starting at
// row 0. See [Subscription.Next].
func (v *ReadView) Subscribe(param string) (*Subscription, error) {
	if _, ok := v.run.schema.Param(param); !ok {
		return nil, fmt.Errorf("subscribe: %w: %q", ErrUnknownParameter, param)
	}

	return &Subscription{view: v, param: param}, nil
}

// Subscription is a pull-based, restartable sequence of a parameter's
// values. Each subscriber has its own cursor: values are delivered in
// append order, exactly once per subscriber, with no polling.
//
// A Subscription is not safe for concurrent use; create one per consumer.
type Subscription struct {
	view  *ReadView
	param string
	next  int
	err   error
}

// Next blocks until the next value is available and returns it.
//
// ok is false when the sequence has ended: the run reached a terminal
// state and every value appended before that has been delivered. On
// context cancellation or a storage read failure, ok is false and err is
// non-nil; the cursor does not advance, so Next may be retried.
func (s *Subscription) Next(ctx context.Context) (v Value, ok bool, err error) {
	if ctx == nil {
		return nil, false, fmt.Errorf("next %q: context is nil", s.param)
	}

	buf := s.view.run.buf

	for {
		// Grab the notification channel before checking length so an
		// append between the two cannot be missed.
		updated := buf.updated()

		total, err := buf.total(s.param)
		if err != nil {
			return nil, false, err
		}

		if s.next < total {
			vals, err := s.view.Get(ctx, s.param, s.next, s.next+1)
			if err != nil {
				return nil, false, err
			}

			s.next++

			return vals[0], true, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.view.run.done:
			// Terminal state. Another append cannot happen, but one may
			// have landed between the length check and now; loop once
			// more to drain it.
			total2, err := buf.total(s.param)
			if err != nil {
				return nil, false, err
			}

			if s.next < total2 {
				continue
			}

			return nil, false, nil
		case <-updated:
		}
	}
}

// Restart rewinds (or forwards) the cursor to the given row index.
// Values from that index on are delivered again.
func (s *Subscription) Restart(from int) {
	if from < 0 {
		from = 0
	}

	s.next = from
	s.err = nil
}

// Seq is the iterator shape produced by [Subscription.All]. It matches
// iter.Seq[Value] so callers can range over it directly.
type Seq func(yield func(Value) bool)

// All adapts the subscription to a range-able iterator. Iteration stops
// when the sequence ends, the consumer breaks, or an error occurs; check
// [Subscription.Err] after the loop.
func (s *Subscription) All(ctx context.Context) Seq {
	return func(yield func(Value) bool) {
		for {
			v, ok, err := s.Next(ctx)
			if err != nil {
				s.err = err

				return
			}

			if !ok {
				return
			}

			if !yield(v) {
				return
			}
		}
	}
}

// Err returns the error that terminated the last [Subscription.All]
// iteration, if any.
func (s *Subscription) Err() error {
	return s.err
}
