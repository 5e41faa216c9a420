package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/history"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/notify"
	"github.com/specialistvlad/stagecoach/internal/services"
)

// postGrace bounds post-block execution once the pipeline deadline has
// already fired, so cleanup still happens after a timeout or abort.
const postGrace = 2 * time.Minute

// Result is the settled outcome of one run.
type Result struct {
	BuildID  string
	Number   int
	Status   model.BuildStatus
	Previous model.BuildStatus
	Changed  bool
	Duration time.Duration
	Stages   []history.Stage
}

// Engine executes one pipeline. A fresh Engine is built per run attempt;
// only Snapshot may be called from other goroutines.
type Engine struct {
	pipeline  *model.Pipeline
	store     history.Store
	notifiers []notify.Notifier

	workspace    string
	artifactsDir string

	tracker *tracker
}

// New prepares an engine for the given pipeline. Workspace and artifacts
// locations come pre-resolved from the pipeline model.
func New(p *model.Pipeline, store history.Store, notifiers []notify.Notifier) *Engine {
	return &Engine{
		pipeline:     p,
		store:        store,
		notifiers:    notifiers,
		workspace:    p.WorkspaceDir(),
		artifactsDir: p.ArtifactsPath(),
		tracker:      newTracker(p.Name),
	}
}

// Workspace is the resolved root working directory for this run.
func (e *Engine) Workspace() string { return e.workspace }

// Snapshot reports the current run state. Safe to call concurrently with
// Run.
func (e *Engine) Snapshot() Snapshot {
	return e.tracker.snapshot()
}

// Run executes the pipeline to completion and returns its outcome. The
// returned error covers infrastructure failures (history store, environment
// resolution); stage failures are expressed through Result.Status.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	ctx = ctxlog.With(ctx, "pipeline", e.pipeline.Name)
	logger := ctxlog.FromContext(ctx)

	build := &history.Build{
		Pipeline:  e.pipeline.Name,
		StartedAt: time.Now(),
	}
	if err := e.store.RecordStart(ctx, build); err != nil {
		return nil, fmt.Errorf("recording build start: %w", err)
	}
	e.tracker.begin(build.ID, build.Number, build.StartedAt)
	e.registerUnits()

	ctx = ctxlog.With(ctx, "build", build.Number)
	logger = ctxlog.FromContext(ctx)
	logger.Info("🚀 Build started.", "buildID", build.ID, "workspace", e.workspace)

	pipelineEnv, err := environ.Resolve(e.baseEnv(build), e.pipeline.Env, nil)
	if err != nil {
		err = fmt.Errorf("resolving pipeline environment: %w", err)
		e.failRun(ctx, build, err)
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.pipeline.Options.Timeout)
	defer cancel()

	status := e.executeStages(runCtx, pipelineEnv, build)
	e.tracker.setStatus(status)

	// Cleanup and records keep running under the remaining pipeline
	// budget; once that budget is spent (timeout or signal) they fall
	// back to a fresh grace window instead of dying with the run context.
	graceCtx, cancelGrace := context.WithTimeout(context.WithoutCancel(ctx), postGrace)
	defer cancelGrace()

	prev, havePrev, err := e.store.LastBuild(wrapupContext(runCtx, graceCtx), e.pipeline.Name)
	if err != nil {
		logger.Warn("Failed to read previous build.", "error", err)
		havePrev = false
	}
	var prevStatus model.BuildStatus
	if havePrev {
		prevStatus = prev.Status
	}
	changed := !havePrev || prevStatus != status

	targets := e.runPost(wrapupContext(runCtx, graceCtx), pipelineEnv, status, changed)

	build.Status = status
	build.FinishedAt = time.Now()
	build.Stages = e.tracker.results()
	if err := e.store.RecordFinish(wrapupContext(runCtx, graceCtx), build); err != nil {
		logger.Warn("Failed to record build finish.", "error", err)
	}
	if e.pipeline.History != nil && e.pipeline.History.Limit > 0 {
		if err := e.store.Prune(wrapupContext(runCtx, graceCtx), e.pipeline.Name, e.pipeline.History.Limit); err != nil {
			logger.Warn("Failed to prune build history.", "error", err)
		}
	}

	result := &Result{
		BuildID:  build.ID,
		Number:   build.Number,
		Status:   status,
		Previous: prevStatus,
		Changed:  changed,
		Duration: build.FinishedAt.Sub(build.StartedAt),
		Stages:   build.Stages,
	}
	e.sendSummaries(wrapupContext(runCtx, graceCtx), targets, result)

	logger.Info("🏁 Build finished.", "status", status, "duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

// wrapupContext picks the context for cleanup work: the run context while
// the pipeline budget is still live, the detached grace context once it is
// spent.
func wrapupContext(runCtx, graceCtx context.Context) context.Context {
	if runCtx.Err() != nil {
		return graceCtx
	}
	return runCtx
}

// failRun settles a build that never reached its stages. Without a finish
// record the row would list as running forever.
func (e *Engine) failRun(ctx context.Context, build *history.Build, cause error) {
	ctxlog.FromContext(ctx).Error("🔥 Build failed before stages could run.", "error", cause)
	for _, st := range e.pipeline.Stages {
		e.skipStage(ctx, st)
	}
	e.tracker.setStatus(model.StatusFailed)

	build.Status = model.StatusFailed
	build.FinishedAt = time.Now()
	build.Error = cause.Error()
	build.Stages = e.tracker.results()
	if err := e.store.RecordFinish(ctx, build); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to record build finish.", "error", err)
	}
}

// executeStages waits for services and walks the stage list, returning the
// final build status. The build's Error field is set for run-level failures.
func (e *Engine) executeStages(ctx context.Context, pipelineEnv map[string]string, build *history.Build) model.BuildStatus {
	logger := ctxlog.FromContext(ctx)

	if err := services.WaitReady(ctx, e.pipeline.Services, pipelineEnv); err != nil {
		build.Error = err.Error()
		logger.Error("🔥 Services not ready, skipping all stages.", "error", err)
		for _, st := range e.pipeline.Stages {
			e.skipStage(ctx, st)
		}
		if ctx.Err() != nil {
			return model.StatusAborted
		}
		return model.StatusFailed
	}

	var failed, unstable bool
	for _, st := range e.pipeline.Stages {
		if ctx.Err() != nil || failed {
			e.skipStage(ctx, st)
			continue
		}

		branchUnstable, outcome := e.runStage(ctx, st, pipelineEnv)
		if branchUnstable {
			unstable = true
		}
		switch {
		case outcome == nil:
		case st.AllowFailure && ctx.Err() == nil:
			logger.Warn("Stage failed but is allowed to.", "stage", st.Name, "error", outcome)
			unstable = true
		default:
			logger.Error("🔥 Stage failed.", "stage", st.Name, "error", outcome)
			failed = true
		}
	}

	switch {
	case ctx.Err() != nil:
		build.Error = fmt.Sprintf("run aborted: %v", context.Cause(ctx))
		return model.StatusAborted
	case failed:
		return model.StatusFailed
	case unstable:
		return model.StatusUnstable
	}
	return model.StatusSuccess
}

// baseEnv is the process environment plus the runner-injected variables.
func (e *Engine) baseEnv(build *history.Build) map[string]string {
	return environ.Merge(environ.FromOS(), map[string]string{
		"CI":                      "true",
		"STAGECOACH":              "true",
		"STAGECOACH_PIPELINE":     e.pipeline.Name,
		"STAGECOACH_BUILD_ID":     build.ID,
		"STAGECOACH_BUILD_NUMBER": fmt.Sprintf("%d", build.Number),
		"STAGECOACH_WORKSPACE":    e.workspace,
		"STAGECOACH_ARTIFACTS":    e.artifactsDir,
	})
}

// registerUnits pre-registers every runnable unit so pending stages appear
// in status snapshots before they start.
func (e *Engine) registerUnits() {
	for _, st := range e.pipeline.Stages {
		for _, id := range stageUnits(st) {
			e.tracker.register(id)
		}
	}
}

// stageUnits expands a stage declaration into its unit IDs.
func stageUnits(st *model.Stage) []branchID {
	switch {
	case st.Matrix != nil:
		ids := make([]branchID, 0, len(st.Matrix.Values))
		for _, v := range st.Matrix.Values {
			ids = append(ids, branchID{Stage: st.Name, Branch: v})
		}
		return ids
	case st.IsParallelGroup():
		ids := make([]branchID, 0, len(st.Parallel))
		for _, child := range st.Parallel {
			ids = append(ids, branchID{Stage: st.Name, Branch: child.Name})
		}
		return ids
	}
	return []branchID{{Stage: st.Name}}
}

// skipStage marks every not-yet-terminal unit of the stage as Skipped.
func (e *Engine) skipStage(ctx context.Context, st *model.Stage) {
	logger := ctxlog.FromContext(ctx)
	for _, id := range stageUnits(st) {
		switch e.tracker.state(id) {
		case model.StagePending, model.StageRunning:
			e.transition(ctx, id, model.StageSkipped, nil)
			logger.Info("Stage skipped.", "stage", id.String())
		}
	}
}

// transition records a unit state change and fans it out to live notifiers.
func (e *Engine) transition(ctx context.Context, id branchID, state model.StageState, err error) {
	e.tracker.transition(id, state, err)

	ev := e.stageEventFor(id, state, err)
	for _, n := range e.notifiers {
		if !n.Live() {
			continue
		}
		if sendErr := n.StageEvent(ctx, ev); sendErr != nil {
			ctxlog.FromContext(ctx).Warn("Stage notification failed.",
				"notifier", n.Name(), "stage", id.String(), "error", sendErr)
		}
	}
}

func (e *Engine) stageEventFor(id branchID, state model.StageState, err error) notify.StageEvent {
	snap := e.tracker.snapshot()
	ev := notify.StageEvent{
		Pipeline: snap.Pipeline,
		Build:    snap.Build,
		BuildID:  snap.BuildID,
		Stage:    id.String(),
		State:    state,
	}
	for _, s := range snap.Stages {
		if s.Name == id.Stage && s.Branch == id.Branch {
			ev.DurationMS = s.DurationMS
			break
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// sendSummaries delivers the final build summary to every notifier selected
// by a post notify step plus every live notifier, once each.
func (e *Engine) sendSummaries(ctx context.Context, targets []string, result *Result) {
	logger := ctxlog.FromContext(ctx)

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}
	for _, n := range e.notifiers {
		if n.Live() {
			wanted[n.Name()] = true
		}
	}
	if len(wanted) == 0 {
		return
	}

	sum := notify.BuildSummary{
		Pipeline:   e.pipeline.Name,
		Build:      result.Number,
		BuildID:    result.BuildID,
		Status:     result.Status,
		Previous:   result.Previous,
		Changed:    result.Changed,
		DurationMS: result.Duration.Milliseconds(),
	}
	for _, s := range result.Stages {
		sum.Stages = append(sum.Stages, notify.StageResult{
			Name:       branchID{Stage: s.Name, Branch: s.Branch}.String(),
			State:      s.State,
			DurationMS: s.Duration.Milliseconds(),
			Error:      s.Error,
		})
	}

	for _, n := range e.notifiers {
		if !wanted[n.Name()] {
			continue
		}
		if err := n.BuildDone(ctx, sum); err != nil {
			logger.Warn("Build notification failed.", "notifier", n.Name(), "error", err)
		} else {
			logger.Info("Build notification sent.", "notifier", n.Name())
		}
	}
}
