package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/nightlyone/lockfile"
	"github.com/spf13/cobra"
)

// daemonChildEnv marks a re-exec'd child so -bg only forks once.
const daemonChildEnv = "FLOWCORE_DAEMON_CHILD"

// pidLockPath returns workDir's pid-lock path, the same file named in §6
// for a daemonized (-bg) session.
func pidLockPath(workDir string) (string, error) {
	return filepath.Abs(filepath.Join(workDir, ".flowcore.pid"))
}

// daemonize fails fast if workDir already has a live daemon running
// against it, then re-execs this same binary detached (new session,
// stdio redirected to a log file beside the lock) and returns immediately
// — the re-exec'd child holds the pid lock itself for the session's
// whole lifetime (see run()), matching the "re-exec with Setsid, guard a
// pid file" shape a daemonizing CLI uses.
func daemonize(cmd *cobra.Command, scriptPath string) error {
	workDir := flagWorkDir
	if workDir == "" {
		var err error
		workDir, err = defaultWorkDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work directory %s: %w", workDir, err)
	}

	pidPath, err := pidLockPath(workDir)
	if err != nil {
		return err
	}
	lock, err := lockfile.New(pidPath)
	if err != nil {
		return fmt.Errorf("constructing pid lock %s: %w", pidPath, err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("a session is already running against %s: %w", workDir, err)
	}
	// Released immediately: this was only a fail-fast pre-check. The
	// child re-acquires and holds this same lock for its whole run.
	lock.Unlock()

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	logPath := filepath.Join(workDir, "flowcore.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening daemon log %s: %w", logPath, err)
	}
	defer logFile.Close()

	args := append([]string{}, os.Args[1:]...)
	if flagWorkDir == "" {
		args = append(args, "-w", workDir)
	}
	child := exec.Command(execPath, args...)
	child.Env = append(os.Environ(), daemonChildEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdout = logFile
	child.Stderr = logFile

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemonized session: %w", err)
	}

	fmt.Fprintf(os.Stdout, "started flowcore session pid %d, logging to %s\n", child.Process.Pid, logPath)
	return nil
}

// acquireDaemonLock is called by the already-detached daemon child (or, for
// a -bg session that skipped daemonizing because it was already the child,
// the process itself) to hold workDir's pid lock for the whole run, so a
// second -bg invocation against the same work directory fails the
// fail-fast check in daemonize before it ever forks.
func acquireDaemonLock(workDir string) (lockfile.Lockfile, error) {
	pidPath, err := pidLockPath(workDir)
	if err != nil {
		return lockfile.Lockfile{}, err
	}
	lock, err := lockfile.New(pidPath)
	if err != nil {
		return lockfile.Lockfile{}, fmt.Errorf("constructing pid lock %s: %w", pidPath, err)
	}
	if err := lock.TryLock(); err != nil {
		return lockfile.Lockfile{}, fmt.Errorf("a session is already running against %s: %w", workDir, err)
	}
	return lock, nil
}
