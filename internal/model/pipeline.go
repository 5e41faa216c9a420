package model

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Default values applied by the loader when the declaration omits them.
const (
	// DefaultTimeout is the whole-run wall-clock budget.
	DefaultTimeout = 60 * time.Minute
	// DefaultWorkers bounds how many branches may run concurrently.
	DefaultWorkers = 4
	// DefaultArtifactsDir is where archived files are collected, relative
	// to the workspace.
	DefaultArtifactsDir = "_artifacts"
)

// Pipeline is the format-agnostic representation of one `pipeline` block.
type Pipeline struct {
	Name        string
	Description string

	// Source is the path of the file the pipeline was declared in. It is
	// kept for error messages and to derive the default workspace.
	Source string

	Options   Options
	Env       map[string]hcl.Expression
	Services  []*Service
	Stages    []*Stage
	Post      *Post
	Notifiers []*Notifier
	History   *History
}

// Options holds the run-wide knobs from the `options` block, with defaults
// already applied.
type Options struct {
	// Timeout is the wall-clock budget for the entire run.
	Timeout time.Duration
	// Workers is the maximum number of concurrently running branches.
	Workers int
	// Workspace is the root working directory for steps. Relative stage
	// and step directories resolve against it.
	Workspace string
	// ArtifactsDir is where archive patterns are collected, resolved
	// relative to Workspace unless absolute.
	ArtifactsDir string
}

// History backend names accepted by the `history` block and the
// STAGECOACH_HISTORY environment variable.
const (
	HistoryNone     = "none"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// History configures build-record persistence. A nil History or an empty
// Backend falls back to the STAGECOACH_HISTORY environment variables.
type History struct {
	Backend string
	DSN     string
	// Limit is how many builds to keep per pipeline; zero keeps all.
	Limit int
}

// WorkspaceDir resolves the root working directory for a run. It defaults
// to the directory the pipeline was declared in; a relative `workspace`
// option resolves against that directory.
func (p *Pipeline) WorkspaceDir() string {
	base := filepath.Dir(p.Source)
	ws := p.Options.Workspace
	switch {
	case ws == "":
		return base
	case filepath.IsAbs(ws):
		return ws
	default:
		return filepath.Join(base, ws)
	}
}

// ArtifactsPath resolves where archived files land, relative to the
// workspace unless the `artifacts_dir` option is absolute.
func (p *Pipeline) ArtifactsPath() string {
	dir := p.Options.ArtifactsDir
	if dir == "" {
		dir = DefaultArtifactsDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.WorkspaceDir(), dir)
	}
	return dir
}

// Stage returns the stage with the given name, or nil. Only top-level
// stages are searched; parallel children are addressed through their parent.
func (p *Pipeline) Stage(name string) *Stage {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Notifier returns the notifier declaration with the given name, or nil.
func (p *Pipeline) Notifier(name string) *Notifier {
	for _, n := range p.Notifiers {
		if n.Name == name {
			return n
		}
	}
	return nil
}
