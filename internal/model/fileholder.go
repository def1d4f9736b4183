package model

// FileHolder represents one file staged into a task's work directory: the
// engine stages SourcePath under StoredName, relative to the work
// directory, per §4.2/§4.3.
type FileHolder struct {
	SourcePath string
	StoredName string
}
