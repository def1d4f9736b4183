// Package handler implements TaskHandler (§4.4): the backend-specific
// lifecycle token a TaskMonitor drives through NEW -> SUBMITTED -> RUNNING
// -> COMPLETED, with Local, Grid, and Native backend variants.
package handler

import (
	"sync"
	"time"

	"github.com/meshrun/flowcore/internal/model"
)

// QueueStatus is a grid backend's view of one job's place in its scheduler
// queue (§4.5).
type QueueStatus string

const (
	Pending     QueueStatus = "PENDING"
	Running     QueueStatus = "RUNNING"
	Hold        QueueStatus = "HOLD"
	ErrorStatus QueueStatus = "ERROR"
	Unknown     QueueStatus = "UNKNOWN"
)

// TaskHandler is the contract every backend variant implements.
type TaskHandler interface {
	Task() *model.TaskRun

	// Submit transitions NEW -> SUBMITTED and triggers the backend action.
	Submit() error

	// CheckIfRunning may transition SUBMITTED -> RUNNING. Returns true only
	// once, at the transition itself.
	CheckIfRunning() (bool, error)

	// CheckIfCompleted may transition RUNNING -> COMPLETED, reading the exit
	// code and populating stdout. Returns true only once, at the transition.
	CheckIfCompleted() (bool, error)

	// Kill forces termination from any post-NEW state.
	Kill()

	Status() model.Status
	LastUpdate() time.Time
}

// base implements the shared, idempotent status lattice every TaskHandler
// variant embeds: status only ever moves forward, and setting it to its
// current (or an earlier) value is a no-op that reports no transition.
type base struct {
	mu         sync.Mutex
	task       *model.TaskRun
	status     model.Status
	lastUpdate time.Time
}

func newBase(task *model.TaskRun) base {
	return base{task: task, status: model.StatusNew, lastUpdate: time.Now()}
}

// setStatus advances the lattice to s, returning true only if this call
// performed the transition.
func (b *base) setStatus(s model.Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s <= b.status {
		return false
	}
	b.status = s
	b.lastUpdate = time.Now()
	return true
}

func (b *base) Task() *model.TaskRun { return b.task }

func (b *base) Status() model.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
