// Package monitor implements TaskMonitor (§4.6): a fixed-capacity FIFO of
// TaskHandlers driven through their lifecycle by a single polling worker
// per backend.
package monitor

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/meshrun/flowcore/internal/handler"
)

// Entry pairs a TaskHandler with the callback its owning operator wants
// invoked once the handler reaches a terminal state (success or error).
type Entry struct {
	Handler    handler.TaskHandler
	OnStart    func(h handler.TaskHandler)
	OnComplete func(h handler.TaskHandler, err error)

	submitted bool
	started   bool
}

// RefreshQueue runs a grid backend's queue command and parses it into a
// fresh {jobId -> QueueStatus} snapshot. Local/Native monitors pass nil.
type RefreshQueue func() (map[string]handler.QueueStatus, error)

// Monitor is a fixed-capacity admission queue plus polling worker for one
// backend. It also implements handler.QueueSnapshot so grid handlers
// sharing it can read the cached queue-status map without polling the
// scheduler themselves.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue    []*Entry
	capacity int

	pollInterval time.Duration
	refresh      RefreshQueue
	snapshot     map[string]handler.QueueStatus

	signalCh chan struct{}
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup

	logger hclog.Logger
}

// New constructs a Monitor. capacity <= 0 means unbounded concurrency.
func New(capacity int, pollInterval time.Duration, refresh RefreshQueue, logger hclog.Logger) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Monitor{
		capacity:     capacity,
		pollInterval: pollInterval,
		refresh:      refresh,
		snapshot:     make(map[string]handler.QueueStatus),
		signalCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Status implements handler.QueueSnapshot.
func (m *Monitor) Status(jobID string) handler.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snapshot[jobID]; ok {
		return s
	}
	return handler.Unknown
}

// Put enqueues e, blocking while the queue is already at capacity.
func (m *Monitor) Put(e *Entry) {
	m.mu.Lock()
	for m.capacity > 0 && len(m.queue) >= m.capacity && !m.stopped {
		m.cond.Wait()
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.SignalComplete()
}

// SignalComplete wakes the poller immediately instead of waiting for the
// next tick — used by backends with async completion (e.g. local).
func (m *Monitor) SignalComplete() {
	select {
	case m.signalCh <- struct{}{}:
	default:
	}
}

// Start launches the polling worker.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the polling worker and releases any Put blocked on capacity.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.cond.Broadcast()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	interval := m.pollInterval
	if interval <= 0 {
		interval = handler.LocalPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.tick()
		select {
		case <-m.stopCh:
			return
		case <-m.signalCh:
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick() {
	if m.refresh != nil {
		if snap, err := m.refresh(); err != nil {
			m.logger.Warn("refreshing queue snapshot failed", "error", err)
		} else {
			m.mu.Lock()
			m.snapshot = snap
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	pending := append([]*Entry(nil), m.queue...)
	m.mu.Unlock()

	active := 0
	for _, e := range pending {
		if e.submitted {
			active++
		}
	}

	var completed []*Entry
	for _, e := range pending {
		if !e.submitted {
			if m.capacity > 0 && active >= m.capacity {
				continue
			}
			if err := e.Handler.Submit(); err != nil {
				completed = append(completed, e)
				m.fireComplete(e, err)
				continue
			}
			e.submitted = true
			active++
			continue
		}

		running, err := e.Handler.CheckIfRunning()
		if err != nil {
			completed = append(completed, e)
			m.fireComplete(e, err)
			continue
		}
		if running && !e.started {
			e.started = true
			if e.OnStart != nil {
				e.OnStart(e.Handler)
			}
		}
		done, err := e.Handler.CheckIfCompleted()
		if err != nil {
			completed = append(completed, e)
			m.fireComplete(e, err)
			continue
		}
		if done {
			completed = append(completed, e)
			m.fireComplete(e, nil)
		}
	}

	if len(completed) > 0 {
		m.removeAll(completed)
	}
}

func (m *Monitor) fireComplete(e *Entry, err error) {
	if e.OnComplete != nil {
		e.OnComplete(e.Handler, err)
	}
}

func (m *Monitor) removeAll(done []*Entry) {
	doneSet := make(map[*Entry]bool, len(done))
	for _, e := range done {
		doneSet[e] = true
	}

	m.mu.Lock()
	kept := m.queue[:0]
	for _, e := range m.queue {
		if !doneSet[e] {
			kept = append(kept, e)
		}
	}
	m.queue = kept
	m.mu.Unlock()
	m.cond.Broadcast()
}
