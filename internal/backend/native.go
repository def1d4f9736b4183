package backend

import (
	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/monitor"
)

// Native schedules inline (shell-free) task bodies on a shared executor.
type Native struct {
	cfg Config
	fn  func(task *model.TaskRun) handler.NativeFunc
}

// NewNative constructs the native ExecutorBackend. fn derives the closure
// to run for a given TaskRun from the process definition's bound body.
func NewNative(cfg Config, fn func(task *model.TaskRun) handler.NativeFunc) *Native {
	return &Native{cfg: cfg, fn: fn}
}

func (b *Native) Name() string { return "native" }

func (b *Native) CreateMonitor() *monitor.Monitor {
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = handler.LocalPollInterval
	}
	return monitor.New(b.cfg.Capacity, interval, nil, b.cfg.Logger)
}

func (b *Native) CreateHandler(task *model.TaskRun) handler.TaskHandler {
	return handler.NewNativeHandler(task, b.fn(task))
}

func (b *Native) StagingFilesScript(files []model.FileHolder) string {
	return stagingFilesScript(files)
}

func (b *Native) UnstageOutputsScript(task *model.TaskRun) string {
	return unstageOutputsScript(task)
}
