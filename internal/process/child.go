// Package process wraps OS process spawning with the signal/splay/kill
// lifecycle the local ExecutorBackend needs: start a command, observe its
// exit asynchronously, and tear it down gracefully (then forcefully) on
// session shutdown or a max-duration timeout.
package process

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

var (
	// ErrMissingCommand is returned when no command is specified to run.
	ErrMissingCommand = errors.New("missing command")

	// ExitCodeOK is the exit code reported for a clean exit.
	ExitCodeOK = 0

	// ExitCodeError is the fallback exit code when a process exits without a
	// more specific status (e.g. it was killed by signal).
	ExitCodeError = 127
)

// Child wraps a single OS process under management, exposing its exit
// asynchronously over a channel so a TaskHandler's poller can observe it
// alongside every other running task without a dedicated blocking wait.
type Child struct {
	sync.RWMutex

	killSignal  os.Signal
	killTimeout time.Duration
	splay       time.Duration

	cmd    *exec.Cmd
	exitCh chan int

	stopLock sync.RWMutex
	stopCh   chan struct{}
	stopped  bool

	setpgid bool

	Label string

	logger hclog.Logger
}

// NewInput configures a Child.
type NewInput struct {
	// Cmd is the unstarted, preconfigured command to run.
	Cmd *exec.Cmd

	// KillSignal is sent to gracefully stop the process; may be nil.
	KillSignal os.Signal

	// KillTimeout is how long to wait for a graceful stop before force-killing.
	KillTimeout time.Duration

	// Splay randomizes the delay before sending KillSignal, to avoid many
	// tasks being signaled in the same instant during a bulk shutdown.
	Splay time.Duration

	Logger hclog.Logger
}

// NewChild constructs a Child from an unstarted exec.Cmd.
func NewChild(i NewInput) (*Child, error) {
	if i.Cmd == nil {
		return nil, ErrMissingCommand
	}
	label := fmt.Sprintf("(%s) %s", i.Cmd.Dir, strings.Join(i.Cmd.Args, " "))
	logger := i.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Child{
		cmd:         i.Cmd,
		killSignal:  i.KillSignal,
		killTimeout: i.KillTimeout,
		splay:       i.Splay,
		stopCh:      make(chan struct{}, 1),
		setpgid:     true,
		Label:       label,
		logger:      logger.Named(label),
	}, nil
}

// ExitCh returns the channel the process's exit code is delivered on.
// Callers must not cache it across a restart, though Child never restarts.
func (c *Child) ExitCh() <-chan int {
	c.RLock()
	defer c.RUnlock()
	return c.exitCh
}

// Pid returns the child process's pid, or 0 if it isn't running.
func (c *Child) Pid() int {
	c.RLock()
	defer c.RUnlock()
	return c.pid()
}

// Command returns the human-formatted command with arguments and work dir.
func (c *Child) Command() string {
	return c.Label
}

// Start spawns the process. The exit code becomes available on ExitCh.
func (c *Child) Start() error {
	c.Lock()
	defer c.Unlock()
	return c.start()
}

// Signal delivers s to the process (or process group, if setpgid is in effect).
func (c *Child) Signal(s os.Signal) error {
	c.RLock()
	defer c.RUnlock()
	return c.signal(s)
}

// Kill force-terminates the process, waiting up to killTimeout for a
// graceful exit via killSignal first if one is configured, then sends
// SIGKILL if the process has not exited. It does not wait for the process
// to exit after that final SIGKILL.
func (c *Child) Kill() {
	c.Lock()
	defer c.Unlock()
	c.kill(false)
}

// Stop behaves like Kill but additionally marks the Child as stopped, which
// suppresses delivering an exit code on ExitCh — used during a session-wide
// shutdown where callers no longer care about individual task outcomes.
func (c *Child) Stop() {
	c.internalStop(false)
}

// StopImmediately is Stop without waiting out any configured splay.
func (c *Child) StopImmediately() {
	c.internalStop(true)
}

func (c *Child) internalStop(immediately bool) {
	c.Lock()
	defer c.Unlock()

	c.stopLock.Lock()
	defer c.stopLock.Unlock()
	if c.stopped {
		return
	}
	c.kill(immediately)
	close(c.stopCh)
	c.stopped = true
}

func (c *Child) start() error {
	setSetpgid(c.cmd, c.setpgid)
	if err := c.cmd.Start(); err != nil {
		return err
	}

	exitCh := make(chan int, 1)
	go func() {
		c.RLock()
		cmd := c.cmd
		c.RUnlock()

		var code int
		var err error
		if cmd != nil {
			err = cmd.Wait()
		}
		if err == nil {
			code = ExitCodeOK
		} else {
			code = ExitCodeError
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
					code = status.ExitStatus()
				}
			}
		}

		c.stopLock.RLock()
		defer c.stopLock.RUnlock()
		if !c.stopped {
			select {
			case <-c.stopCh:
			case exitCh <- code:
			}
		}
		close(exitCh)
	}()

	c.exitCh = exitCh
	return nil
}

func (c *Child) pid() int {
	if !c.running() {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Child) signal(s os.Signal) error {
	if !c.running() {
		return nil
	}

	sig, ok := s.(syscall.Signal)
	if !ok {
		return fmt.Errorf("bad signal: %s", s)
	}
	pid := c.cmd.Process.Pid
	if c.setpgid {
		pid = -pid
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func (c *Child) kill(immediately bool) {
	if !c.running() {
		c.logger.Debug("kill called but process already dead")
		return
	}
	if !immediately {
		select {
		case <-c.stopCh:
		case <-c.randomSplay():
		}
	}

	var exited bool
	defer func() {
		if !exited {
			c.cmd.Process.Kill()
		}
		c.cmd = nil
	}()

	if c.killSignal == nil {
		return
	}

	if err := c.signal(c.killSignal); err != nil {
		if processNotFoundErr(err) {
			exited = true
		}
		return
	}

	killCh := make(chan struct{}, 1)
	go func() {
		defer close(killCh)
		c.cmd.Process.Wait()
	}()

	select {
	case <-c.stopCh:
	case <-killCh:
		exited = true
	case <-time.After(c.killTimeout):
		c.logger.Debug("kill timeout elapsed, process may be a zombie")
	}
}

func (c *Child) running() bool {
	select {
	case <-c.exitCh:
		return false
	default:
	}
	return c.cmd != nil && c.cmd.Process != nil
}

func (c *Child) randomSplay() <-chan time.Time {
	if c.splay == 0 {
		return time.After(0)
	}
	ns := c.splay.Nanoseconds()
	offset := rand.Int63n(ns)
	return time.After(time.Duration(offset))
}
