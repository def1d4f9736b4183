// Package wrapper implements ScriptWrapper (§4.3): deterministic generation
// of the shell script a TaskHandler actually executes, covering env export,
// file stage-in, the user command (optionally containerized), and
// exit-status/stdout capture.
package wrapper

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/pathtrie"
)

const (
	// Name is the wrapper script's filename within a TaskRun's work directory.
	Name = "wrapper.sh"
	// ExitCodeName is the file the wrapper writes its exit status to.
	ExitCodeName = ".exitcode"
	// StdoutName is the file the wrapper redirects combined stdout+stderr to.
	StdoutName = ".command.out"
	envFileName = ".env"
)

// EnvExport is one KEY=VALUE pair rendered into the wrapper's export
// section, or into the container env file when Spec.Container is set.
type EnvExport struct {
	Key   string
	Value string
}

// Spec describes everything ScriptWrapper needs to render one TaskRun's
// wrapper script.
type Spec struct {
	Shebang    string // defaults to "#!/bin/sh" when empty, derived from the script's first line
	Env        []EnvExport
	Files      []model.FileHolder
	Command    string
	Container  string // optional image tag; non-empty wraps Command in a container invocation
	ToolBinDir string // mounted alongside input/work-dir roots when containerized
}

// Build renders the wrapper script text and the three paths (wrapper,
// exit-code file, stdout file) under workDir. It does not write anything
// to disk — the caller persists script at wrapperPath before submission.
func Build(workDir string, spec Spec) (script, wrapperPath, exitCodePath, stdoutPath string) {
	wrapperPath = filepath.Join(workDir, Name)
	exitCodePath = filepath.Join(workDir, ExitCodeName)
	stdoutPath = filepath.Join(workDir, StdoutName)

	var b strings.Builder

	shebang := spec.Shebang
	if shebang == "" {
		shebang = "#!/bin/sh"
	}
	fmt.Fprintln(&b, shebang)

	if spec.Container == "" {
		for _, e := range spec.Env {
			fmt.Fprintf(&b, "export %s=%s\n", e.Key, shellQuote(e.Value))
		}
	} else if len(spec.Env) > 0 {
		envFile := filepath.Join(workDir, envFileName)
		fmt.Fprintf(&b, "cat > %s <<'FLOWCORE_ENV'\n", shellQuote(envFile))
		for _, e := range spec.Env {
			fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
		}
		fmt.Fprintln(&b, "FLOWCORE_ENV")
	}

	for _, f := range spec.Files {
		dest := filepath.Join(workDir, f.StoredName)
		fmt.Fprintf(&b, "ln -sf %s %s\n", shellQuote(f.SourcePath), shellQuote(dest))
	}

	cmd := spec.Command
	if spec.Container != "" {
		cmd = containerize(workDir, spec)
	}

	fmt.Fprintf(&b, "( %s ) > %s 2>&1\n", cmd, shellQuote(stdoutPath))
	fmt.Fprintf(&b, "echo $? > %s\n", shellQuote(exitCodePath))

	return b.String(), wrapperPath, exitCodePath, stdoutPath
}

// containerize wraps Command in a container invocation, mounting the
// minimal set of directories pathtrie derives from the work directory,
// every staged input, and the tool bin directory.
func containerize(workDir string, spec Spec) string {
	trie := pathtrie.New()
	trie.Insert(filepath.Join(workDir, "_"))
	for _, f := range spec.Files {
		trie.Insert(filepath.Join(workDir, f.StoredName))
	}
	if spec.ToolBinDir != "" {
		trie.Insert(filepath.Join(spec.ToolBinDir, "_"))
	}

	var mounts []string
	for _, root := range trie.MountRoots() {
		mounts = append(mounts, fmt.Sprintf("-v %s:%s", shellQuote(root), shellQuote(root)))
	}

	var envFlag string
	envFile := filepath.Join(workDir, envFileName)
	if len(spec.Env) > 0 {
		envFlag = "--env-file " + shellQuote(envFile)
	}

	return fmt.Sprintf(
		"docker run --rm %s -w %s %s %s %s",
		strings.Join(mounts, " "), shellQuote(workDir), envFlag, shellQuote(spec.Container), spec.Command,
	)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// StageScript renders just the stage-in commands for files, independent of
// a full wrapper — MergeProcessor appends these per-firing into its
// running script buffer (§4.9) rather than building one wrapper per firing.
func StageScript(workDir string, files []model.FileHolder) string {
	var b strings.Builder
	for _, f := range files {
		dest := filepath.Join(workDir, f.StoredName)
		fmt.Fprintf(&b, "ln -sf %s %s\n", shellQuote(f.SourcePath), shellQuote(dest))
	}
	return b.String()
}
