package util

// Semaphore is a simple counting semaphore built on a buffered channel, used
// to cap the number of concurrent firings a ParallelProcessor's operator
// thread pool (maxForks) may have in flight at once.
type Semaphore struct {
	tickets chan struct{}
}

// NewSemaphore returns a Semaphore that allows up to n concurrent holders.
// n <= 0 is treated as unbounded (an always-ready semaphore).
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{tickets: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available.
func (s *Semaphore) Acquire() {
	if s.tickets == nil {
		return
	}
	s.tickets <- struct{}{}
}

// TryAcquire acquires a slot without blocking, reporting whether it succeeded.
func (s *Semaphore) TryAcquire() bool {
	if s.tickets == nil {
		return true
	}
	select {
	case s.tickets <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	if s.tickets == nil {
		return
	}
	<-s.tickets
}
