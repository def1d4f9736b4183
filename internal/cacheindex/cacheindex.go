// Package cacheindex implements CacheIndex (§4.10): a content-hash-keyed
// store of finished work directories, so a later firing whose inputs hash
// identically can skip re-execution and bind outputs straight from a prior
// run's archive. Every part of a work directory is archived as one
// tar+zstd blob next to a small JSON metadata sidecar recording the run's
// exit status (one compressed blob and one `-meta.json` file per key).
package cacheindex

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/DataDog/zstd"
	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"

	"github.com/meshrun/flowcore/internal/errkind"
)

const (
	archiveSuffix = ".tar.zst"
	metaSuffix    = "-meta.json"
)

// Index is an on-disk CacheIndex rooted at a single directory.
type Index struct {
	dir    string
	logger hclog.Logger
}

// New constructs an Index, creating dir if it does not already exist.
func New(dir string, logger hclog.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, errkind.New(errkind.Staging, "cache", "creating cache directory", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Index{dir: dir, logger: logger}, nil
}

type entryMeta struct {
	Hash       string `json:"hash"`
	ExitStatus int    `json:"exitStatus"`
}

func (x *Index) archivePath(hash string) string { return filepath.Join(x.dir, hash+archiveSuffix) }
func (x *Index) metaPath(hash string) string    { return filepath.Join(x.dir, hash+metaSuffix) }
func (x *Index) extractedPath(hash string) string {
	return filepath.Join(x.dir, "extracted", hash)
}

// Lookup returns the directory a hash's outputs were last archived under,
// extracting the archive on first use. A recorded non-zero exit status is
// treated as a miss: §9's decided policy is to never replay a failing or
// partial result, so a failed run is simply never offered back up here
// (Record itself skips archiving those runs, but this guards any entry
// written before that policy, or by a future caller that skips Record's
// own check).
func (x *Index) Lookup(hash string) (string, bool) {
	meta, err := readMeta(x.metaPath(hash))
	if err != nil {
		return "", false
	}
	if meta.ExitStatus != 0 {
		return "", false
	}

	dest := x.extractedPath(hash)
	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		return dest, true
	}
	if err := extractArchive(x.archivePath(hash), dest); err != nil {
		x.logger.Warn("cache extraction failed, treating as a miss", "hash", hash, "error", err)
		_ = os.RemoveAll(dest)
		return "", false
	}
	return dest, true
}

// Record archives workDir under hash, unless exitStatus is non-zero — a
// cache is a correctness-preserving shortcut, not a history log, so a
// failing run's work directory is never kept around to be replayed later.
func (x *Index) Record(hash, workDir string, exitStatus int) {
	if exitStatus != 0 {
		return
	}
	if err := createArchive(workDir, x.archivePath(hash)); err != nil {
		x.logger.Warn("caching work directory failed", "hash", hash, "error", err)
		return
	}
	if err := writeMeta(x.metaPath(hash), entryMeta{Hash: hash, ExitStatus: exitStatus}); err != nil {
		x.logger.Warn("writing cache metadata failed", "hash", hash, "error", err)
	}
}

func readMeta(path string) (entryMeta, error) {
	var m entryMeta
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(raw, &m)
	return m, err
}

func writeMeta(path string, m entryMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// createArchive walks srcDir and writes every regular file into a tar
// stream wrapped in a zstd compressor: a tar.Writer feeding a zstd
// io.WriteCloser.
func createArchive(srcDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zstd.NewWriter(f)
	tw := tar.NewWriter(zw)

	err = godirwalk.Walk(srcDir, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(srcDir, path)
			if relErr != nil {
				return relErr
			}
			return addFile(tw, path, rel)
		},
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

// extractArchive reads a tar+zstd archive into dest, which it creates.
func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	zr := zstd.NewReader(f)
	defer zr.Close()
	tr := tar.NewReader(zr)

	if err := os.MkdirAll(dest, 0o775); err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
