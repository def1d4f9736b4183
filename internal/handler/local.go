package handler

import (
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/meshrun/flowcore/internal/errkind"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/process"
)

// LocalHandler spawns an OS process under the task's work directory,
// redirecting stdout+stderr to the wrapper's output file, per §4.4's Local
// backend. The child process object becoming non-nil is the "running"
// signal; its exit code becoming available is the "completed" signal.
type LocalHandler struct {
	base

	maxDuration time.Duration
	logger      hclog.Logger
	manager     *process.Manager

	child    *process.Child
	deadline time.Time
}

// NewLocalHandler constructs a handler for task, enforcing maxDuration (if
// positive) by killing the process and recording model.ExitStatusUnknown
// once it elapses. manager, if non-nil, tracks the spawned child so a
// backend-wide Shutdown can stop it alongside every other local handler's;
// a nil manager leaves the handler solely responsible for its own child.
func NewLocalHandler(task *model.TaskRun, maxDuration time.Duration, logger hclog.Logger, manager *process.Manager) *LocalHandler {
	return &LocalHandler{base: newBase(task), maxDuration: maxDuration, logger: logger, manager: manager}
}

func (h *LocalHandler) Submit() error {
	cmd := exec.Command("/bin/sh", h.Task().WrapperPath)
	cmd.Dir = h.Task().WorkDirectory

	child, err := process.NewChild(process.NewInput{
		Cmd:         cmd,
		KillSignal:  os.Interrupt,
		KillTimeout: 10 * time.Second,
		Logger:      h.logger,
	})
	if err != nil {
		return errkind.New(errkind.Backend, h.Task().ProcessName, "constructing local process", err)
	}
	if h.manager != nil && !h.manager.Register(child) {
		return errkind.New(errkind.Execution, h.Task().ProcessName, "starting local process", process.ErrClosing)
	}
	if err := child.Start(); err != nil {
		if h.manager != nil {
			h.manager.Unregister(child)
		}
		return errkind.New(errkind.Execution, h.Task().ProcessName, "starting local process", err)
	}

	h.child = child
	if h.maxDuration > 0 {
		h.deadline = time.Now().Add(h.maxDuration)
	}
	h.setStatus(model.StatusSubmitted)
	return nil
}

func (h *LocalHandler) CheckIfRunning() (bool, error) {
	if h.child == nil {
		return false, nil
	}
	if h.child.Pid() == 0 {
		return false, nil
	}
	return h.setStatus(model.StatusRunning), nil
}

func (h *LocalHandler) CheckIfCompleted() (bool, error) {
	select {
	case code, ok := <-h.child.ExitCh():
		if !ok {
			return false, nil
		}
		h.unregister()
		h.Task().SetExitStatus(code)
		return h.setStatus(model.StatusCompleted), nil
	default:
	}

	if !h.deadline.IsZero() && time.Now().After(h.deadline) {
		h.child.Kill()
		h.unregister()
		h.Task().SetExitStatus(model.ExitStatusUnknown)
		return h.setStatus(model.StatusCompleted), nil
	}
	return false, nil
}

func (h *LocalHandler) Kill() {
	if h.child != nil {
		h.child.Kill()
		h.unregister()
	}
}

// unregister drops the handler's child from its Manager once it is known
// to have exited, so a later Shutdown doesn't try to stop a dead process.
func (h *LocalHandler) unregister() {
	if h.manager != nil && h.child != nil {
		h.manager.Unregister(h.child)
	}
}
