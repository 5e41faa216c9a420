package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// watchDebounce batches rapid editor saves into a single re-run.
const watchDebounce = 500 * time.Millisecond

// historySuffixes are sqlite database files and their sidecars. Builds
// write them on every run, so they must never trigger another one.
var historySuffixes = []string{".db", ".db-journal", ".db-wal", ".db-shm"}

// watch runs the pipelines once, then re-runs them whenever workspace
// files change, until the context is canceled. Run outcomes are logged
// rather than returned; only an interrupted in-flight run propagates.
func (a *App) watch(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	if err := a.runOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("Run finished with failures, staying in watch mode.", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	filter := newWatchFilter(a.pipelines)
	for _, root := range filter.roots {
		if err := addWatchTree(watcher, filter, root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}
	logger.Info("👀 Watching for changes.", "roots", filter.roots)

	// The timer starts stopped; the first relevant event arms it.
	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("👋 Watch mode stopped.")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filter.skipEvent(event.Name) {
				continue
			}
			logger.Debug("Change detected.", "path", event.Name, "op", event.Op.String())
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !filter.skip(event.Name) {
					if err := watcher.Add(event.Name); err != nil {
						logger.Debug("Could not watch new directory.", "path", event.Name, "error", err)
					}
				}
			}
			debounce.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error.", "error", err)

		case <-debounce.C:
			logger.Info("🔁 Files changed, re-running pipelines.")
			if err := a.runOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				logger.Warn("Run finished with failures, staying in watch mode.", "error", err)
			}
			// The run itself touches workspace files; dropping the events
			// it produced keeps the loop from re-triggering forever.
			drainEvents(watcher)
		}
	}
}

// addWatchTree registers root and every non-ignored directory below it.
func addWatchTree(watcher *fsnotify.Watcher, filter *watchFilter, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && filter.skip(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// drainEvents discards buffered watcher events, waiting out a short quiet
// period so stragglers the kernel queued during the run are dropped too.
func drainEvents(watcher *fsnotify.Watcher) {
	for {
		select {
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// watchFilter decides which paths may trigger a re-run. Artifact
// directories and dotted directories (.git, .stagecoach) are excluded.
type watchFilter struct {
	roots   []string
	ignored []string
}

func newWatchFilter(pipelines []*model.Pipeline) *watchFilter {
	f := &watchFilter{}
	seen := make(map[string]bool)
	for _, p := range pipelines {
		for _, root := range []string{p.WorkspaceDir(), filepath.Dir(p.Source)} {
			root = absPath(root)
			if !seen[root] {
				seen[root] = true
				f.roots = append(f.roots, root)
			}
		}
		f.ignored = append(f.ignored, absPath(p.ArtifactsPath()))
	}
	return f
}

// skip reports whether a path must not be watched. A path inside several
// roots stays watched as long as one of them sees it without a dotted
// component, so explicitly dotted workspaces keep working.
func (f *watchFilter) skip(path string) bool {
	path = absPath(path)
	for _, dir := range f.ignored {
		if under(dir, path) {
			return true
		}
	}
	contained := false
	for _, root := range f.roots {
		if !under(root, path) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if !dottedComponent(rel) {
			return false
		}
		contained = true
	}
	return contained
}

// skipEvent extends skip with the history database files.
func (f *watchFilter) skipEvent(name string) bool {
	for _, suffix := range historySuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return f.skip(name)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// under reports whether path equals dir or sits below it.
func under(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func dottedComponent(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return true
		}
	}
	return false
}
