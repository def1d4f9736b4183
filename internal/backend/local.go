package backend

import (
	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/monitor"
	"github.com/meshrun/flowcore/internal/process"
)

// Local executes tasks as OS processes on the machine running the engine.
type Local struct {
	cfg     Config
	manager *process.Manager
}

// NewLocal constructs the local ExecutorBackend. Every handler it creates
// registers its child with the same Manager, so Shutdown can stop every
// in-flight local task at once.
func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg, manager: process.NewManager()}
}

func (b *Local) Name() string { return "local" }

func (b *Local) CreateMonitor() *monitor.Monitor {
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = handler.LocalPollInterval
	}
	return monitor.New(b.cfg.Capacity, interval, nil, b.cfg.Logger)
}

func (b *Local) CreateHandler(task *model.TaskRun) handler.TaskHandler {
	return handler.NewLocalHandler(task, b.cfg.MaxDuration, b.cfg.Logger, b.manager)
}

// Shutdown stops every child process a handler built by this backend has
// registered, and blocks until they have all exited.
func (b *Local) Shutdown() {
	b.manager.Close()
}

func (b *Local) StagingFilesScript(files []model.FileHolder) string {
	return stagingFilesScript(files)
}

func (b *Local) UnstageOutputsScript(task *model.TaskRun) string {
	return unstageOutputsScript(task)
}
