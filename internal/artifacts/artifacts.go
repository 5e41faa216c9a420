// Package artifacts collects files produced by a stage into the run's
// artifacts directory. Patterns use filepath.Glob syntax and resolve
// relative to the workspace; matches keep their relative layout under the
// destination so stages cannot clobber each other's files by accident.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
)

// Archive copies everything the patterns match into destDir and returns the
// destination paths. A pattern with no matches is logged as a warning, not an
// error: a failing stage often never produced the files it promised.
func Archive(ctx context.Context, workspace, destDir string, patterns []string) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	var copied []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(workspace, pattern))
		if err != nil {
			return copied, fmt.Errorf("bad archive pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			logger.Warn("Archive pattern matched nothing.", "pattern", pattern)
			continue
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return copied, fmt.Errorf("stat %s: %w", match, err)
			}
			if info.IsDir() {
				continue
			}

			rel, err := filepath.Rel(workspace, match)
			if err != nil {
				rel = filepath.Base(match)
			}
			dest := filepath.Join(destDir, rel)
			if err := copyFile(match, dest); err != nil {
				return copied, fmt.Errorf("archiving %s: %w", rel, err)
			}
			copied = append(copied, dest)
			logger.Debug("Archived artifact.", "source", rel, "dest", dest)
		}
	}
	return copied, nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
