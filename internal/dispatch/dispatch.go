// Package dispatch implements TaskDispatcher (§4.7): the single point
// where a resolved TaskRun is handed to its process's backend, fanning
// out submit/start/complete/error events to registered listeners.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/chrometracing"
	"github.com/hashicorp/go-hclog"

	"github.com/meshrun/flowcore/internal/backend"
	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/monitor"
)

// Event identifies a point in a task's dispatch lifecycle.
type Event int

const (
	EventSubmit Event = iota
	EventStart
	EventComplete
	EventError
)

func (e Event) String() string {
	switch e {
	case EventSubmit:
		return "submit"
	case EventStart:
		return "start"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Listener is notified on every dispatch event. A listener must not block
// or panic; panics are recovered and logged, never propagated.
type Listener func(event Event, task *model.TaskRun, err error)

// Dispatcher holds a {backendClass -> monitor} map and fans out lifecycle
// events for every task it submits.
type Dispatcher struct {
	mu       sync.Mutex
	monitors map[string]*monitor.Monitor
	started  bool

	listenersMu sync.RWMutex
	listeners   []Listener

	logger hclog.Logger
}

// New constructs an idle Dispatcher. Call Start before any Submit whose
// backend needs its monitor polling immediately.
func New(logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		monitors: make(map[string]*monitor.Monitor),
		logger:   logger,
	}
}

// AddListener registers l for every future dispatch event.
func (d *Dispatcher) AddListener(l Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Start marks the dispatcher live and starts every monitor created so far.
// Monitors created afterward via GetOrCreateMonitor are started immediately
// on construction.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	for _, m := range d.monitors {
		m.Start()
	}
}

// Stop halts every monitor the dispatcher owns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	monitors := make([]*monitor.Monitor, 0, len(d.monitors))
	for _, m := range d.monitors {
		monitors = append(monitors, m)
	}
	d.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

// GetOrCreateMonitor lazily constructs the monitor for backendClass via
// factory, starting it immediately if the dispatcher is already started.
func (d *Dispatcher) GetOrCreateMonitor(backendClass string, factory func() *monitor.Monitor) *monitor.Monitor {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.monitors[backendClass]; ok {
		return m
	}
	m := factory()
	d.monitors[backendClass] = m
	if d.started {
		m.Start()
	}
	return m
}

// Submit resolves task's monitor via backendClass/factory, constructs its
// handler from b, enqueues it, and fans out submit/start/complete/error
// events. afterComplete, if non-nil, is invoked exactly once when the
// handler reaches a terminal state, regardless of awaitTermination — this
// is how a caller (e.g. internal/operator) binds a firing's outputs once
// its task actually finishes, whether or not it chose to block on it. When
// awaitTermination is true, Submit additionally blocks until that point and
// returns the handler's error (nil on success). logMessage, if non-empty,
// is logged at submit time.
func (d *Dispatcher) Submit(
	backendClass string,
	factory func() *monitor.Monitor,
	b backend.Backend,
	task *model.TaskRun,
	awaitTermination bool,
	logMessage string,
	afterComplete func(err error),
) error {
	m := d.GetOrCreateMonitor(backendClass, factory)
	h := b.CreateHandler(task)

	if logMessage != "" {
		d.logger.Info(logMessage, "task", task.ProcessName, "index", task.Index)
	}
	d.notify(EventSubmit, task, nil)
	span := chrometracing.Event(fmt.Sprintf("%s#%d", task.ProcessName, task.Index))

	var latch chan error
	if awaitTermination {
		latch = make(chan error, 1)
	}

	m.Put(&monitor.Entry{
		Handler: h,
		OnStart: func(handler.TaskHandler) {
			d.notify(EventStart, task, nil)
		},
		OnComplete: func(_ handler.TaskHandler, err error) {
			span.Done()
			if err != nil {
				d.notify(EventError, task, err)
			} else {
				d.notify(EventComplete, task, nil)
			}
			if afterComplete != nil {
				afterComplete(err)
			}
			if latch != nil {
				latch <- err
			}
		},
	})

	if latch != nil {
		return <-latch
	}
	return nil
}

func (d *Dispatcher) notify(event Event, task *model.TaskRun, err error) {
	d.listenersMu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.listenersMu.RUnlock()

	for _, l := range listeners {
		d.safeCall(l, event, task, err)
	}
}

func (d *Dispatcher) safeCall(l Listener, event Event, task *model.TaskRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch listener panicked", "event", event, "task", task.ProcessName, "recovered", r)
		}
	}()
	l(event, task, err)
}
