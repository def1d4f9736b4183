package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/meshrun/flowcore/internal/backend"
	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/monitor"
)

func nativeFn(fn func() (interface{}, error)) func(*model.TaskRun) handler.NativeFunc {
	return func(*model.TaskRun) handler.NativeFunc {
		return func(ctx context.Context) (interface{}, error) { return fn() }
	}
}

func TestSubmitAwaitTerminationReturnsNilOnSuccess(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	b := backend.NewNative(backend.Config{Capacity: 1, PollInterval: time.Millisecond}, nativeFn(func() (interface{}, error) {
		return "ok", nil
	}))

	var events []Event
	d.AddListener(func(e Event, _ *model.TaskRun, _ error) { events = append(events, e) })

	task := model.NewTaskRun(1, 1, "p")
	err := d.Submit("native", b.CreateMonitor, b, task, true, "running task", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) < 2 || events[0] != EventSubmit || events[len(events)-1] != EventComplete {
		t.Fatalf("unexpected event sequence: %v", events)
	}
}

func TestSubmitFireAndForgetDoesNotBlock(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	done := make(chan struct{})
	b := backend.NewNative(backend.Config{Capacity: 1, PollInterval: time.Millisecond}, nativeFn(func() (interface{}, error) {
		close(done)
		return nil, nil
	}))

	task := model.NewTaskRun(1, 1, "p")
	if err := d.Submit("native", b.CreateMonitor, b, task, false, "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task never ran")
	}
}

func TestGetOrCreateMonitorReusesExisting(t *testing.T) {
	d := New(nil)
	calls := 0
	factory := func() *monitor.Monitor {
		calls++
		return monitor.New(1, time.Millisecond, nil, nil)
	}

	m1 := d.GetOrCreateMonitor("native", factory)
	m2 := d.GetOrCreateMonitor("native", factory)
	if m1 != m2 {
		t.Fatalf("expected the same monitor instance on repeated calls")
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestListenerPanicIsRecovered(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	d.AddListener(func(Event, *model.TaskRun, error) { panic("boom") })

	b := backend.NewNative(backend.Config{Capacity: 1, PollInterval: time.Millisecond}, nativeFn(func() (interface{}, error) {
		return nil, nil
	}))

	task := model.NewTaskRun(1, 1, "p")
	if err := d.Submit("native", b.CreateMonitor, b, task, true, "", nil); err != nil {
		t.Fatalf("unexpected error despite listener panic: %v", err)
	}
}
