package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/stagecoach/internal/artifacts"
	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/shell"
)

// unit is one runnable branch: the stage itself for plain stages, one value
// of a matrix expansion, or one named branch of a parallel group. decl
// carries the steps and overlays that apply to this unit.
type unit struct {
	id        branchID
	decl      *model.Stage
	matrixVar string
	matrixVal string
}

// runStage executes one top-level stage. It returns whether any
// allow_failure branch failed (build turns Unstable) and the aggregated
// error of required branches.
func (e *Engine) runStage(ctx context.Context, st *model.Stage, pipelineEnv map[string]string) (bool, error) {
	logger := ctxlog.FromContext(ctx)

	if st.When != nil {
		ok, err := environ.EvalBool(st.When, pipelineEnv, nil)
		if err != nil {
			err = fmt.Errorf("stage %q: evaluating when: %w", st.Name, err)
			e.failStage(ctx, st, err)
			return false, err
		}
		if !ok {
			logger.Info("Stage gated off by when clause.", "stage", st.Name)
			e.skipStage(ctx, st)
			return false, nil
		}
	}

	switch {
	case st.Matrix != nil:
		return e.runMatrix(ctx, st, pipelineEnv)
	case st.IsParallelGroup():
		return e.runParallel(ctx, st, pipelineEnv)
	}

	u := unit{id: branchID{Stage: st.Name}, decl: st}
	if err := e.runUnit(ctx, u, pipelineEnv); err != nil {
		return false, fmt.Errorf("stage %q: %w", st.Name, err)
	}
	return false, nil
}

// runMatrix expands the stage into one branch per value and runs them
// concurrently under the worker limit.
func (e *Engine) runMatrix(ctx context.Context, st *model.Stage, pipelineEnv map[string]string) (bool, error) {
	values := st.Matrix.Values
	errs := make([]error, len(values))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.pipeline.Options.Workers)
	for i, v := range values {
		eg.Go(func() error {
			u := unit{
				id:        branchID{Stage: st.Name, Branch: v},
				decl:      st,
				matrixVar: st.Matrix.Variable,
				matrixVal: v,
			}
			errs[i] = e.runUnit(egCtx, u, pipelineEnv)
			if errs[i] != nil && st.FailFast {
				return errs[i]
			}
			return nil
		})
	}
	_ = eg.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s[%s]: %w", st.Name, values[i], err))
		}
	}
	return false, merr.ErrorOrNil()
}

// runParallel runs the named branches of an explicit parallel group. The
// group's own environment overlay is shared by every branch; branches with
// allow_failure turn the build Unstable instead of failing it.
func (e *Engine) runParallel(ctx context.Context, st *model.Stage, pipelineEnv map[string]string) (bool, error) {
	logger := ctxlog.FromContext(ctx)

	groupEnv, err := environ.Resolve(pipelineEnv, st.Env, nil)
	if err != nil {
		err = fmt.Errorf("stage %q: resolving environment: %w", st.Name, err)
		e.failStage(ctx, st, err)
		return false, err
	}

	errs := make([]error, len(st.Parallel))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.pipeline.Options.Workers)
	for i, child := range st.Parallel {
		eg.Go(func() error {
			u := unit{id: branchID{Stage: st.Name, Branch: child.Name}, decl: child}

			if child.When != nil {
				ok, whenErr := environ.EvalBool(child.When, groupEnv, nil)
				if whenErr != nil {
					errs[i] = fmt.Errorf("evaluating when: %w", whenErr)
					e.transition(egCtx, u.id, model.StageFailed, errs[i])
					return nil
				}
				if !ok {
					logger.Info("Branch gated off by when clause.", "stage", u.id.String())
					e.transition(egCtx, u.id, model.StageSkipped, nil)
					return nil
				}
			}

			errs[i] = e.runUnit(egCtx, u, groupEnv)
			if errs[i] != nil && !child.AllowFailure && st.FailFast {
				return errs[i]
			}
			return nil
		})
	}
	_ = eg.Wait()

	var unstable bool
	var merr *multierror.Error
	for i, err := range errs {
		if err == nil {
			continue
		}
		child := st.Parallel[i]
		if child.AllowFailure && ctx.Err() == nil {
			logger.Warn("Branch failed but is allowed to.", "stage", st.Name, "branch", child.Name, "error", err)
			unstable = true
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("%s[%s]: %w", st.Name, child.Name, err))
	}
	return unstable, merr.ErrorOrNil()
}

// runUnit drives one unit through its state transitions.
func (e *Engine) runUnit(ctx context.Context, u unit, base map[string]string) error {
	display := u.id.String()
	ctx = ctxlog.With(ctx, "stage", display)
	logger := ctxlog.FromContext(ctx)

	e.transition(ctx, u.id, model.StageRunning, nil)
	logger.Info("▶️ Stage started.")

	err := e.executeUnit(ctx, u, base)
	switch {
	case err == nil:
		e.transition(ctx, u.id, model.StageSuccess, nil)
		logger.Info("✅ Stage succeeded.")
	case ctx.Err() != nil:
		e.transition(ctx, u.id, model.StageAborted, err)
		logger.Warn("Stage aborted.", "error", err)
	default:
		e.transition(ctx, u.id, model.StageFailed, err)
	}
	return err
}

// executeUnit resolves the unit's environment and working directory, runs
// its steps, and archives artifacts regardless of step outcome.
func (e *Engine) executeUnit(parent context.Context, u unit, base map[string]string) error {
	ctx := parent
	if u.decl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, u.decl.Timeout)
		defer cancel()
	}

	resolveBase := base
	var extra map[string]cty.Value
	if u.matrixVal != "" {
		resolveBase = environ.Merge(base, map[string]string{u.matrixVar: u.matrixVal})
		extra = matrixScope(u.matrixVar, u.matrixVal)
	}
	env, err := environ.Resolve(resolveBase, u.decl.Env, extra)
	if err != nil {
		return fmt.Errorf("resolving environment: %w", err)
	}
	if u.matrixVal != "" {
		// The matrix variable wins over any stage overlay of the same name.
		env[u.matrixVar] = u.matrixVal
	}
	env["STAGECOACH_STAGE"] = u.id.String()

	dir := e.workspace
	if u.decl.Dir != nil {
		d, dirErr := environ.EvalString(u.decl.Dir, env, extra)
		if dirErr != nil {
			return fmt.Errorf("evaluating dir: %w", dirErr)
		}
		if d != "" {
			dir = resolveAgainst(e.workspace, d)
		}
	}

	stepsErr := e.runSteps(ctx, u, env, extra, dir)
	e.archiveUnit(ctx, u, env, extra, dir)

	if stepsErr != nil && ctx.Err() != nil && parent.Err() == nil {
		return fmt.Errorf("stage timed out after %s: %w", u.decl.Timeout, stepsErr)
	}
	return stepsErr
}

// runSteps executes the unit's run blocks sequentially, stopping at the
// first failure.
func (e *Engine) runSteps(ctx context.Context, u unit, env map[string]string, extra map[string]cty.Value, dir string) error {
	logger := ctxlog.FromContext(ctx)

	for i, step := range u.decl.Steps {
		name := u.decl.StepName(i)
		stepLogger := logger.With("step", name)

		stepCtx := ctx
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}

		stepEnv := env
		if len(step.Env) > 0 {
			var err error
			stepEnv, err = environ.Resolve(env, step.Env, extra)
			if err != nil {
				return fmt.Errorf("step %q: resolving environment: %w", name, err)
			}
		}

		command, err := environ.EvalString(step.Command, stepEnv, extra)
		if err != nil {
			return fmt.Errorf("step %q: evaluating command: %w", name, err)
		}

		stepDir := dir
		if step.Dir != nil {
			d, dirErr := environ.EvalString(step.Dir, stepEnv, extra)
			if dirErr != nil {
				return fmt.Errorf("step %q: evaluating dir: %w", name, dirErr)
			}
			if d != "" {
				stepDir = resolveAgainst(e.workspace, d)
			}
		}

		stepLogger.Info("▶️ Step started.")
		start := time.Now()
		err = shell.Run(ctxlog.WithLogger(stepCtx, stepLogger), shell.Command{
			Script: command,
			Dir:    stepDir,
			Env:    environ.ToEnviron(stepEnv),
		})
		if err != nil {
			if stepCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("step %q timed out after %s: %w", name, step.Timeout, err)
			}
			return fmt.Errorf("step %q: %w", name, err)
		}
		stepLogger.Info("✅ Step finished.", "duration", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// archiveUnit collects the unit's archive patterns into the artifacts dir.
// It runs after steps on success and failure alike and never fails the
// stage.
func (e *Engine) archiveUnit(ctx context.Context, u unit, env map[string]string, extra map[string]cty.Value, dir string) {
	if u.decl.Archive == nil {
		return
	}
	logger := ctxlog.FromContext(ctx)

	patterns, err := environ.EvalStringList(u.decl.Archive, env, extra)
	if err != nil {
		logger.Warn("Archive patterns did not evaluate.", "error", err)
		return
	}
	if len(patterns) == 0 {
		return
	}
	dest := filepath.Join(e.artifactsDir, u.id.String())
	copied, err := artifacts.Archive(ctx, dir, dest, patterns)
	if err != nil {
		logger.Warn("Archiving artifacts failed.", "error", err)
		return
	}
	if len(copied) > 0 {
		logger.Info("Artifacts archived.", "count", len(copied), "dest", dest)
	}
}

// failStage marks every unit of the stage failed with the given error.
func (e *Engine) failStage(ctx context.Context, st *model.Stage, err error) {
	for _, id := range stageUnits(st) {
		switch e.tracker.state(id) {
		case model.StagePending, model.StageRunning:
			e.transition(ctx, id, model.StageFailed, err)
		}
	}
}

// matrixScope exposes the matrix value to expressions as both
// matrix.<variable> and matrix.value.
func matrixScope(variable, value string) map[string]cty.Value {
	attrs := map[string]cty.Value{
		"value":  cty.StringVal(value),
		variable: cty.StringVal(value),
	}
	return map[string]cty.Value{"matrix": cty.ObjectVal(attrs)}
}

func resolveAgainst(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
