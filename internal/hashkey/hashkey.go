// Package hashkey implements the engine's content-hash primitive (§4.1):
// feed a task's inputs, in declared order, into a rolling digest and
// finalize it into the key CacheIndex looks completed tasks up by.
package hashkey

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/karrick/godirwalk"
)

// Mode controls how file-valued inputs are folded into the digest.
type Mode int

const (
	// Standard hashes a file's path plus its full content — the default,
	// safe against in-place edits that preserve size or mtime. Directories
	// are fed by path and metadata only; it does not recurse.
	Standard Mode = iota
	// Deep hashes every byte of every staged file's content, recursing into
	// directories to do the same for every regular file they contain.
	Deep
	// Lenient hashes only a file's path, size, and mtime, never its bytes —
	// for inputs a process only ever uses for their name or staleness.
	Lenient
)

// FilePath marks a Feed value as a file to be hashed per Mode, rather than
// a plain value hashed by its formatted representation.
type FilePath string

// HashKey accumulates a task's inputs into a single content hash (§4.1).
// Feed order must be reproducible; HashKey itself never sorts, since the
// process's declared input order is already the canonical order.
type HashKey struct {
	mode   Mode
	digest *xxhash.Digest
}

// New starts a fresh HashKey for the given mode.
func New(mode Mode) *HashKey {
	return &HashKey{mode: mode, digest: xxhash.New()}
}

// Feed folds one keyed value into the digest. The key is always mixed in
// first so that two inputs with swapped values never collide.
func (h *HashKey) Feed(key string, v interface{}) error {
	io.WriteString(h.digest, key)
	h.digest.Write([]byte{0})

	switch val := v.(type) {
	case FilePath:
		return h.feedFile(string(val))
	case []FilePath:
		for _, p := range val {
			if err := h.feedFile(string(p)); err != nil {
				return err
			}
		}
		return nil
	case nil:
		h.digest.Write([]byte{0})
		return nil
	default:
		fmt.Fprintf(h.digest, "%v", val)
		return nil
	}
}

func (h *HashKey) feedFile(path string) error {
	io.WriteString(h.digest, path)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if h.mode == Deep {
			return h.FeedDir(path)
		}
		return h.feedMeta(info)
	}

	if h.mode == Lenient {
		return h.feedMeta(info)
	}
	return h.feedContent(path)
}

// feedMeta folds a file's size and modification time into the digest,
// without reading its content — Lenient's whole contract, and what
// Standard falls back to for a directory path (only Deep recurses into a
// directory, and a directory has no content of its own to hash).
func (h *HashKey) feedMeta(info os.FileInfo) error {
	fmt.Fprintf(h.digest, ":%d:%d", info.Size(), info.ModTime().UnixNano())
	return nil
}

func (h *HashKey) feedContent(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h.digest, f)
	return err
}

// FeedDir walks a directory in deterministic lexical order and feeds every
// regular file it contains, for inputs staged as whole directories. Only
// Deep mode calls this from feedFile; Standard and Lenient stop at the
// directory's own metadata.
func (h *HashKey) FeedDir(root string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			return h.feedFile(path)
		},
	})
}

// Finalize returns the hex-encoded digest. HashKey is single-use past this
// call — start a new one for the next task.
func (h *HashKey) Finalize() string {
	return hex.EncodeToString(h.digest.Sum(nil))
}
