// Package model holds the engine's data model (spec §3): the InParam and
// OutParam variants, FileHolder, TaskRun, and the TaskHandler status
// lattice shared between the handler, operator, and monitor packages.
package model

import "github.com/meshrun/flowcore/internal/dataflow"

// InKind distinguishes the variants an InParam may take.
type InKind string

const (
	// KindValue binds the received value directly into the script context.
	KindValue InKind = "value"
	// KindFile stages the received value as a file under a declared pattern.
	KindFile InKind = "file"
	// KindEnv exports the received value as an environment variable.
	KindEnv InKind = "env"
	// KindStdin pipes the received value into the command's stdin.
	KindStdin InKind = "stdin"
	// KindEach fans out: the upstream operator takes the cartesian product
	// of every Each input and emits one combination per downstream firing.
	KindEach InKind = "each"
	// KindSet binds a tuple of inner params jointly from a single message.
	KindSet InKind = "set"
	// KindValueShared resolves once at firing index 1 and is reused
	// by-reference (by value) on every later firing.
	KindValueShared InKind = "value_shared"
	// KindFileShared is KindValueShared staged as a file.
	KindFileShared InKind = "file_shared"
)

// IsShared reports whether the param is one of the two Shared sub-variants.
func (k InKind) IsShared() bool {
	return k == KindValueShared || k == KindFileShared
}

// IsFile reports whether the param resolves to a staged file.
func (k InKind) IsFile() bool {
	return k == KindFile || k == KindFileShared
}

// InParam declares one process input: its channel, its kind, and (for file
// kinds) the staging pattern used to derive FileHolder.StoredName.
type InParam struct {
	Name    string
	Kind    InKind
	Pattern string // glob/wildcard pattern for KindFile/KindFileShared
	Channel *dataflow.Channel
	Inner   []*InParam // only set for KindSet
}

// OutKind distinguishes the variants an OutParam may take.
type OutKind string

const (
	OutValue  OutKind = "value"
	OutFile   OutKind = "file"
	OutStdout OutKind = "stdout"
	OutSet    OutKind = "set"
)

// OutParam declares one process output and the channel its resolved
// value(s) are bound onto once a firing completes.
type OutParam struct {
	Name    string
	Kind    OutKind
	Pattern string // glob to match produced files, for OutFile
	Channel *dataflow.Channel
	Inner   []*OutParam // only set for OutSet
}
