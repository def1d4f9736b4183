// Package stage implements FileStager (§4.2): normalizing raw input values
// into model.FileHolder sequences, expanding a naming pattern against them
// with collision-free stored names, and matching declared output patterns
// against a finished task's work directory.
package stage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/yookoala/realpath"

	"github.com/meshrun/flowcore/internal/model"
)

// StagingConflict reports that expanding a pattern over a set of values
// produced two identical stored names.
type StagingConflict struct {
	Pattern string
	Name    string
}

func (e *StagingConflict) Error() string {
	return fmt.Sprintf("staging conflict: pattern %q produced duplicate stored name %q", e.Pattern, e.Name)
}

// Normalize wraps a raw received value into one or more FileHolders,
// accepting a bare path/URI string, a slice of strings, or holders already
// constructed upstream.
func Normalize(v interface{}) ([]model.FileHolder, error) {
	switch val := v.(type) {
	case model.FileHolder:
		return []model.FileHolder{val}, nil
	case []model.FileHolder:
		return val, nil
	case string:
		return []model.FileHolder{{SourcePath: val}}, nil
	case []string:
		out := make([]model.FileHolder, len(val))
		for i, s := range val {
			out[i] = model.FileHolder{SourcePath: s}
		}
		return out, nil
	default:
		return nil, errors.Errorf("cannot stage value of type %T as a file input", v)
	}
}

// Stage assigns a StoredName to each holder by expanding pattern against
// the count of holders, per §4.2:
//   - pattern empty or containing "*"  -> enumerate file1, file2, ...
//   - pattern containing "?"           -> single-char counter
//   - literal pattern                  -> require exactly one holder
func Stage(pattern string, holders []model.FileHolder) ([]model.FileHolder, error) {
	if len(holders) == 0 {
		return holders, nil
	}

	switch {
	case pattern == "" || strings.Contains(pattern, "*"):
		return expandWildcard(pattern, holders, "*", false)
	case strings.Contains(pattern, "?"):
		return expandWildcard(pattern, holders, "?", true)
	default:
		if len(holders) != 1 {
			return nil, errors.Errorf("literal pattern %q requires exactly one value, got %d", pattern, len(holders))
		}
		out := make([]model.FileHolder, 1)
		out[0] = holders[0]
		out[0].StoredName = pattern
		return out, nil
	}
}

// expandWildcard substitutes token (either "*" or "?") once per holder with
// a counter. A "*" counter is "file"+n — §8's worked example stages a lone
// "*.fa" input as "file1.fa" — while "?" keeps a single letter, matching its
// one-character-wide placeholder.
func expandWildcard(pattern string, holders []model.FileHolder, token string, singleChar bool) ([]model.FileHolder, error) {
	base := pattern
	if base == "" {
		base = token
	}

	seen := make(map[string]bool, len(holders))
	out := make([]model.FileHolder, len(holders))
	for i, h := range holders {
		var counter string
		if singleChar {
			counter = string(rune('a' + i%26))
		} else {
			counter = "file" + strconv.Itoa(i+1)
		}
		name := strings.Replace(base, token, counter, 1)
		if seen[name] {
			return nil, &StagingConflict{Pattern: pattern, Name: name}
		}
		seen[name] = true

		h.StoredName = name
		out[i] = h
	}
	return out, nil
}

// ExpandDirectory expands a directory input into one FileHolder per
// contained regular file, honoring a .gitignore at its root (if any) and
// resolving the root through any symlinks first, for "dir/**"-style inputs.
func ExpandDirectory(root string) ([]model.FileHolder, error) {
	resolved, err := realpath.Realpath(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", root)
	}

	var ignore *gitignore.GitIgnore
	if gi, ignErr := gitignore.CompileIgnoreFile(filepath.Join(resolved, ".gitignore")); ignErr == nil {
		ignore = gi
	}

	var holders []model.FileHolder
	walkErr := godirwalk.Walk(resolved, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(resolved, path)
			if relErr != nil {
				return relErr
			}
			if ignore != nil && ignore.MatchesPath(rel) {
				return nil
			}
			holders = append(holders, model.FileHolder{SourcePath: path})
			return nil
		},
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return holders, nil
}

// MatchOutputs matches pattern (a "/"-separated glob) against every
// regular file under dir, returning one FileHolder per match with
// StoredName set to its path relative to dir — used to collect a
// completed task's declared outputs from its work directory. A pattern
// that matches nothing is an error, not an empty result: §4.10 requires a
// missing declared output to reject a cache hit and force resubmission,
// which only happens if binding that output actually fails.
func MatchOutputs(dir, pattern string) ([]model.FileHolder, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errors.Wrapf(err, "compiling output pattern %q", pattern)
	}

	var holders []model.FileHolder
	walkErr := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return relErr
			}
			if g.Match(rel) {
				holders = append(holders, model.FileHolder{SourcePath: path, StoredName: rel})
			}
			return nil
		},
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if len(holders) == 0 {
		return nil, errors.Errorf("output pattern %q matched no files under %s", pattern, dir)
	}
	return holders, nil
}
