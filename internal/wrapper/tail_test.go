package wrapper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestTailerStreamsAppendedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".command.out")

	tailer := NewTailer(path)
	tailer.Start(10 * time.Millisecond)
	defer tailer.Stop()

	f, err := os.Create(path)
	assert.NilError(t, err)
	_, err = f.WriteString("first line\n")
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if tailer.Snapshot() == "first line\n" {
			return poll.Success()
		}
		return poll.Continue("waiting for tailer to catch up")
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(time.Second))
}

func TestTailerToleratesMissingFileUntilCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-yet.out")

	tailer := NewTailer(path)
	tailer.Start(5 * time.Millisecond)
	defer tailer.Stop()

	assert.Equal(t, tailer.Snapshot(), "")

	f, err := os.Create(path)
	assert.NilError(t, err)
	_, err = f.WriteString("ok\n")
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if tailer.Snapshot() == "ok\n" {
			return poll.Success()
		}
		return poll.Continue("waiting for file to appear and be tailed")
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(time.Second))
}
