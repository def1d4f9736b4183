package handler

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meshrun/flowcore/internal/errkind"
	"github.com/meshrun/flowcore/internal/model"
)

// GridCommands builds the argv for a grid scheduler's submit/kill commands
// and parses its submit output for a job id — the grid-specific half of
// ExecutorBackend (§4.5).
type GridCommands interface {
	SubmitCommand(task *model.TaskRun, wrapperPath string) []string
	KillCommand(jobID string) []string
	ParseSubmitID(stdout string) (string, error)
}

// QueueSnapshot is the grid monitor's cached {jobId -> QueueStatus} view
// (§4.6 step 2), read by every GridHandler sharing that monitor instead of
// each handler polling the scheduler individually.
type QueueSnapshot interface {
	Status(jobID string) QueueStatus
}

// GridHandler submits a wrapper script to a grid/batch scheduler and
// tracks its lifecycle via QueueSnapshot, per §4.4's Grid backend.
type GridHandler struct {
	base

	commands GridCommands
	snapshot QueueSnapshot

	jobID string
}

// NewGridHandler constructs a handler for task against the given scheduler
// commands and shared queue snapshot.
func NewGridHandler(task *model.TaskRun, commands GridCommands, snapshot QueueSnapshot) *GridHandler {
	return &GridHandler{base: newBase(task), commands: commands, snapshot: snapshot}
}

func (h *GridHandler) Submit() error {
	argv := h.commands.SubmitCommand(h.Task(), h.Task().WrapperPath)
	if len(argv) == 0 {
		return errkind.New(errkind.Backend, h.Task().ProcessName, "empty submit command", nil)
	}

	var out []byte
	op := func() error {
		var runErr error
		out, runErr = exec.Command(argv[0], argv[1:]...).Output()
		return runErr
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		return errkind.New(errkind.Backend, h.Task().ProcessName, "submitting grid job", err)
	}

	jobID, err := h.commands.ParseSubmitID(string(out))
	if err != nil {
		return errkind.New(errkind.Backend, h.Task().ProcessName, "parsing grid submit output", err)
	}

	h.jobID = jobID
	h.setStatus(model.StatusSubmitted)
	return nil
}

func (h *GridHandler) CheckIfRunning() (bool, error) {
	switch h.snapshot.Status(h.jobID) {
	case Running:
		return h.setStatus(model.StatusRunning), nil
	case ErrorStatus:
		return false, errkind.New(errkind.Execution, h.Task().ProcessName, fmt.Sprintf("grid job %s reported ERROR", h.jobID), nil)
	default:
		return false, nil
	}
}

// CheckIfCompleted treats a job id that has dropped out of the queue
// snapshot entirely as finished, then reads its exit code from the
// wrapper's sidecar file.
func (h *GridHandler) CheckIfCompleted() (bool, error) {
	if h.snapshot.Status(h.jobID) != Unknown {
		return false, nil
	}

	code, err := readExitCode(h.Task().ExitCodePath)
	if err != nil {
		return false, errkind.New(errkind.Execution, h.Task().ProcessName, "reading grid job exit code", err)
	}
	h.Task().SetExitStatus(code)
	return h.setStatus(model.StatusCompleted), nil
}

func (h *GridHandler) Kill() {
	if h.jobID == "" {
		return
	}
	argv := h.commands.KillCommand(h.jobID)
	if len(argv) == 0 {
		return
	}
	_ = exec.Command(argv[0], argv[1:]...).Run()
}

func readExitCode(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var code int
	if _, err := fmt.Sscanf(string(data), "%d", &code); err != nil {
		return 0, err
	}
	return code, nil
}

// LocalPollInterval and GridPollInterval are §4.6's default poll cadences:
// 1s for local monitors, 30s for grid monitors. internal/backend and
// internal/monitor fall back to them when no interval is configured.
const (
	LocalPollInterval = time.Second
	GridPollInterval  = 30 * time.Second
)
