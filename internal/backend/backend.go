// Package backend implements ExecutorBackend (§4.5): the per-backend
// adapter that builds monitors and handlers, and (for grid backends) the
// submit/kill/queue argv and output parsers.
package backend

import (
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/monitor"
	"github.com/meshrun/flowcore/internal/wrapper"
)

// Config bundles the concurrency/polling parameters a session wires into
// whichever backend a process selects via process.executor.
type Config struct {
	Capacity     int
	PollInterval time.Duration
	MaxDuration  time.Duration
	Logger       hclog.Logger
}

// Backend is the per-backend adapter §4.5 names.
type Backend interface {
	Name() string
	CreateMonitor() *monitor.Monitor
	CreateHandler(task *model.TaskRun) handler.TaskHandler
	StagingFilesScript(files []model.FileHolder) string
	UnstageOutputsScript(task *model.TaskRun) string
}

// stagingFilesScript and unstageOutputsScript are shared across backends:
// every backend stages files into the task's own work directory the same
// way, and none needs to copy outputs back out since the work directory
// persists in place.
func stagingFilesScript(files []model.FileHolder) string {
	return wrapper.StageScript(".", files)
}

func unstageOutputsScript(*model.TaskRun) string {
	return ""
}

// runCommand runs argv and returns its stdout (stderr is not captured), used by the grid
// backend's queue-refresh poll.
func runCommand(argv []string) (string, error) {
	out, err := exec.Command(argv[0], argv[1:]...).Output()
	return string(out), err
}
