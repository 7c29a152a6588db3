// Package walker recursively enumerates the regular files under a root
// directory in a deterministic, lexicographic order. That order is the only
// ordering primitive the rest of the pipeline depends on: the tree builder
// never re-sorts its input.
package walker

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
)

// Walker enumerates files under a configured root.
type Walker struct {
	logger *log.Logger
}

// Option configures a Walker.
type Option func(*Walker)

// WithLogger sets a custom logger for the walker.
func WithLogger(logger *log.Logger) Option {
	return func(w *Walker) {
		w.logger = logger
	}
}

// New creates a Walker.
func New(opts ...Option) *Walker {
	w := &Walker{
		logger: log.New(log.Writer(), "[Walker] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk recursively visits root and returns the absolute paths of every
// regular file found, sorted lexicographically. Symlinks are not followed:
// a symlink directory entry is skipped outright, matching filepath.WalkDir's
// own default (it does not traverse into a symlinked directory), and we
// additionally skip symlinked regular files so leaf membership never depends
// on state outside root.
//
// If batchLimit is > 0, the sorted list is truncated to the first
// batchLimit entries and a warning is logged.
func (w *Walker) Walk(root string, batchLimit int) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.New(apperr.KindIO, "walker.Walk", fmt.Errorf("resolve %s: %w", root, err))
	}

	if _, err := os.Stat(absRoot); err != nil {
		return nil, apperr.New(apperr.KindIO, "walker.Walk", fmt.Errorf("access %s: %w", absRoot, err))
	}

	var paths []string
	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
		return nil
	})
	if walkErr != nil {
		return nil, apperr.New(apperr.KindIO, "walker.Walk", fmt.Errorf("walk %s: %w", absRoot, walkErr))
	}

	if len(paths) == 0 {
		return nil, apperr.New(apperr.KindEmpty, "walker.Walk", fmt.Errorf("no files discovered under %s", absRoot))
	}

	sort.Strings(paths)

	if batchLimit > 0 && len(paths) > batchLimit {
		w.logger.Printf("truncating walk result from %d to %d entries (batchLimit)", len(paths), batchLimit)
		paths = paths[:batchLimit]
	}

	return paths, nil
}
