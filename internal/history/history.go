// Package history persists build records so runs can number themselves,
// report status transitions, and list recent outcomes. Two real backends are
// provided: an embedded sqlite file for single-host use and postgres for
// shared deployments. The `none` backend disables persistence entirely.
package history

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// Environment overrides for the `history` block. They win over the pipeline
// declaration so operators can repoint storage without editing pipelines.
const (
	EnvBackend = "STAGECOACH_HISTORY"
	EnvDSN     = "STAGECOACH_HISTORY_DSN"
)

// Build is one recorded pipeline run.
type Build struct {
	ID       string
	Pipeline string
	// Number is the per-pipeline sequence, assigned by the store on
	// RecordStart.
	Number     int
	Status     model.BuildStatus
	StartedAt  time.Time
	FinishedAt time.Time
	// Error is the run-level failure reason (services not ready, abort),
	// empty when the verdict came from stage outcomes alone.
	Error  string
	Stages []Stage
}

// Duration is the build wall-clock time, zero while still running.
func (b *Build) Duration() time.Duration {
	if b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Stage is the outcome of one stage or expanded branch within a build.
// Branch is the matrix value or parallel branch name, empty for plain
// stages.
type Stage struct {
	Name     string           `json:"name"`
	Branch   string           `json:"branch,omitempty"`
	State    model.StageState `json:"state"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}

// Store persists builds. Implementations must be safe for use from a single
// run loop; they are not required to coordinate concurrent runners.
type Store interface {
	// RecordStart inserts the build in running state and assigns its
	// per-pipeline Number.
	RecordStart(ctx context.Context, b *Build) error
	// RecordFinish updates the build's final status, finish time, error,
	// and stage outcomes.
	RecordFinish(ctx context.Context, b *Build) error
	// LastBuild returns the most recent finished build, or ok=false when
	// the pipeline has no finished builds yet. It feeds the `changed`
	// post condition.
	LastBuild(ctx context.Context, pipeline string) (b *Build, ok bool, err error)
	// RecentBuilds returns up to limit finished or running builds, newest
	// first. A non-positive limit returns everything.
	RecentBuilds(ctx context.Context, pipeline string, limit int) ([]*Build, error)
	// Prune deletes the oldest builds beyond keep. Non-positive keep is a
	// no-op.
	Prune(ctx context.Context, pipeline string, keep int) error
	Close() error
}

// Open builds the store selected by the pipeline's history block and the
// STAGECOACH_HISTORY environment overrides. Persistence is off by default;
// the sqlite backend without a dsn lands under <workspace>/.stagecoach/.
func Open(ctx context.Context, cfg *model.History, workspace string) (Store, error) {
	logger := ctxlog.FromContext(ctx)

	var backend, dsn string
	if cfg != nil {
		backend = cfg.Backend
		dsn = cfg.DSN
	}
	backend = environ.Getenv(EnvBackend, backend)
	dsn = environ.Getenv(EnvDSN, dsn)
	if backend == "" {
		backend = model.HistoryNone
	}

	switch backend {
	case model.HistoryNone:
		logger.Debug("Build history disabled.")
		return noopStore{}, nil
	case model.HistorySQLite:
		// Relative paths resolve against the workspace, like stage dirs do.
		switch {
		case dsn == "":
			dsn = filepath.Join(workspace, ".stagecoach", "history.db")
		case !filepath.IsAbs(dsn):
			dsn = filepath.Join(workspace, dsn)
		}
		logger.Debug("Opening sqlite build history.", "path", dsn)
		return openSQLite(ctx, dsn)
	case model.HistoryPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("history backend %q requires a dsn", backend)
		}
		logger.Debug("Opening postgres build history.")
		return openPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown history backend %q", backend)
}

// noopStore satisfies Store when history is disabled. Builds still get an ID
// for logs and notifications; numbers start at 1 on every run.
type noopStore struct{}

func (noopStore) RecordStart(_ context.Context, b *Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Number = 1
	return nil
}

func (noopStore) RecordFinish(context.Context, *Build) error { return nil }

func (noopStore) LastBuild(context.Context, string) (*Build, bool, error) {
	return nil, false, nil
}

func (noopStore) RecentBuilds(context.Context, string, int) ([]*Build, error) { return nil, nil }

func (noopStore) Prune(context.Context, string, int) error { return nil }

func (noopStore) Close() error { return nil }
