// Package state implements StateAccumulator (§4.11): per-process counters
// tracking how many tasks have been submitted, completed, and errored, plus
// a latch that closes once every input has drained and every in-flight
// task has settled. cmd/flowcore reads a Snapshot after the session
// finishes to print its summary line.
package state

import "sync/atomic"

// Accumulator tracks one process's lifetime counters. Construct it with
// New: a zero value's counters work, but its Close panics and its Done
// never closes.
type Accumulator struct {
	submitted int32
	completed int32
	errors    int32
	done      chan struct{}
	closeOnce int32
}

// New returns a ready Accumulator.
func New() *Accumulator {
	return &Accumulator{done: make(chan struct{})}
}

// Submitted records one more task handed to the dispatcher. A nil receiver
// is a no-op, so callers may carry an optional *Accumulator without a nil
// check at every call site.
func (a *Accumulator) Submitted() {
	if a != nil {
		atomic.AddInt32(&a.submitted, 1)
	}
}

// Completed records one more task that finished without error.
func (a *Accumulator) Completed() {
	if a != nil {
		atomic.AddInt32(&a.completed, 1)
	}
}

// Errored records one more task that finished with an error.
func (a *Accumulator) Errored() {
	if a != nil {
		atomic.AddInt32(&a.errors, 1)
	}
}

// Snapshot is a point-in-time read of a process's counters.
type Snapshot struct {
	Submitted int
	Completed int
	Errors    int
}

// Snapshot reads the current counters. Safe to call concurrently with any
// of the increment methods.
func (a *Accumulator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{}
	}
	return Snapshot{
		Submitted: int(atomic.LoadInt32(&a.submitted)),
		Completed: int(atomic.LoadInt32(&a.completed)),
		Errors:    int(atomic.LoadInt32(&a.errors)),
	}
}

// Close latches the poison-pill boundary: every input has drained and every
// in-flight task this process fired has settled. Only the first call has
// any effect; later calls are no-ops, matching a poison pill that may be
// observed (and forwarded) by more than one goroutine.
func (a *Accumulator) Close() {
	if a == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&a.closeOnce, 0, 1) {
		close(a.done)
	}
}

// Done returns the channel that closes once Close has been called, for a
// session to select on alongside its own shutdown signals. A nil receiver
// returns a nil channel, which a select simply never wakes for.
func (a *Accumulator) Done() <-chan struct{} {
	if a == nil {
		return nil
	}
	return a.done
}
