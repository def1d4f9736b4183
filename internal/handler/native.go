package handler

import (
	"context"
	"fmt"

	"github.com/meshrun/flowcore/internal/model"
)

// NativeFunc is an inline task body with no shell involved — scheduled
// directly on a shared executor rather than spawned as an OS process.
type NativeFunc func(ctx context.Context) (interface{}, error)

// NativeHandler schedules fn on submission and polls its completion
// channel, per §4.4's Native backend: running = scheduled; completed =
// future done.
type NativeHandler struct {
	base

	fn     NativeFunc
	ctx    context.Context
	cancel context.CancelFunc

	done   chan struct{}
	result interface{}
	err    error
}

// NewNativeHandler constructs a handler that runs fn in its own goroutine
// once submitted.
func NewNativeHandler(task *model.TaskRun, fn NativeFunc) *NativeHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &NativeHandler{base: newBase(task), fn: fn, ctx: ctx, cancel: cancel}
}

func (h *NativeHandler) Submit() error {
	h.done = make(chan struct{})
	h.setStatus(model.StatusSubmitted)

	go func() {
		h.setStatus(model.StatusRunning)
		h.result, h.err = h.fn(h.ctx)
		close(h.done)
	}()
	return nil
}

func (h *NativeHandler) CheckIfRunning() (bool, error) {
	return h.setStatus(model.StatusRunning), nil
}

func (h *NativeHandler) CheckIfCompleted() (bool, error) {
	select {
	case <-h.done:
	default:
		return false, nil
	}

	if h.err != nil {
		h.Task().Err = h.err
		h.Task().SetExitStatus(1)
	} else {
		h.Task().SetExitStatus(0)
		h.Task().Stdout = fmt.Sprintf("%v", h.result)
	}
	return h.setStatus(model.StatusCompleted), nil
}

// Kill cancels fn's context; bodies that ignore ctx.Done() run to completion.
func (h *NativeHandler) Kill() {
	h.cancel()
}
