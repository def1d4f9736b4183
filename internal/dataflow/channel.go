// Package dataflow provides the channel primitives an operator is built
// on: bounded (buffered) FIFO read/write channels, a POISON_PILL control message,
// one-shot broadcast variables, and the STOP-on-exhaustion sentinel. Go's
// native closed-channel
// receive (ok == false) stands in for STOP directly; POISON_PILL is modeled
// as an explicit in-band Packet because, unlike a channel close, a received
// poison pill must be inspectable and re-forwarded by an operator rather
// than simply ending the read loop.
package dataflow

import "sync"

// Packet is one unit carried on a Channel: either a data Value, or a
// POISON_PILL control message (Poison == true, Value is meaningless).
type Packet struct {
	Value  interface{}
	Poison bool
}

// Channel is a single-writer-many-reader (or many-writer-single-reader)
// FIFO queue. The zero value is not usable; construct with NewChannel.
type Channel struct {
	ch chan Packet
}

// NewChannel returns a FIFO channel buffered to capacity; it is not
// unbounded, and a writer blocks once capacity packets are waiting. A
// capacity of 0 yields a synchronous rendezvous channel.
func NewChannel(capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{ch: make(chan Packet, capacity)}
}

// Send writes a data value. Blocks if the channel is at capacity.
func (c *Channel) Send(v interface{}) {
	c.ch <- Packet{Value: v}
}

// SendPoison writes the POISON_PILL control message.
func (c *Channel) SendPoison() {
	c.ch <- Packet{Poison: true}
}

// Recv reads the next packet. ok is false (the STOP sentinel) once the
// channel has been closed and drained; callers must not read from a Channel
// after receiving ok == false.
func (c *Channel) Recv() (Packet, bool) {
	p, ok := <-c.ch
	return p, ok
}

// Close marks the channel exhausted; subsequent Recv calls return
// ok == false (STOP) once buffered packets are drained.
func (c *Channel) Close() {
	close(c.ch)
}

// Variable is a one-shot broadcast: Bind sets the value exactly once (later
// calls are no-ops), and any number of readers may call Get, blocking until
// bound. Used for Shared inputs, resolved once at firing index 1 and reused
// by-reference on every later firing.
type Variable struct {
	once  sync.Once
	ready chan struct{}
	value interface{}
}

// NewVariable returns an unbound broadcast variable.
func NewVariable() *Variable {
	return &Variable{ready: make(chan struct{})}
}

// Bind sets the variable's value. Only the first call has any effect.
func (v *Variable) Bind(val interface{}) {
	v.once.Do(func() {
		v.value = val
		close(v.ready)
	})
}

// Get blocks until Bind has been called, then returns the bound value.
func (v *Variable) Get() interface{} {
	<-v.ready
	return v.value
}

// Bound reports whether Bind has already been called, without blocking.
func (v *Variable) Bound() bool {
	select {
	case <-v.ready:
		return true
	default:
		return false
	}
}
