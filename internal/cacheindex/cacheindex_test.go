package cacheindex

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestRecordThenLookupRoundTrips(t *testing.T) {
	idx, err := New(t.TempDir(), nil)
	assert.NilError(t, err)

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "out.txt"), "hello")
	writeFile(t, filepath.Join(workDir, "nested", "data.bin"), "world")

	idx.Record("abc123", workDir, 0)

	dir, ok := idx.Lookup("abc123")
	assert.Assert(t, ok)

	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello")

	got, err = os.ReadFile(filepath.Join(dir, "nested", "data.bin"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "world")
}

func TestLookupMissesOnUnknownHash(t *testing.T) {
	idx, err := New(t.TempDir(), nil)
	assert.NilError(t, err)

	_, ok := idx.Lookup("never-recorded")
	assert.Assert(t, !ok)
}

// TestRecordSkipsFailedRuns covers §9's decided cache policy: a non-zero
// exit status is never offered back up by Lookup.
func TestRecordSkipsFailedRuns(t *testing.T) {
	idx, err := New(t.TempDir(), nil)
	assert.NilError(t, err)

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "out.txt"), "partial")

	idx.Record("failed-hash", workDir, 1)

	_, ok := idx.Lookup("failed-hash")
	assert.Assert(t, !ok)
}

func TestLookupReusesExtractedDirectory(t *testing.T) {
	idx, err := New(t.TempDir(), nil)
	assert.NilError(t, err)

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "out.txt"), "hello")
	idx.Record("dup-hash", workDir, 0)

	dir1, ok := idx.Lookup("dup-hash")
	assert.Assert(t, ok)
	dir2, ok := idx.Lookup("dup-hash")
	assert.Assert(t, ok)
	assert.Equal(t, dir1, dir2)
}
