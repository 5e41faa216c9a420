package engine

import (
	"context"
	"fmt"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/shell"
)

// selectPost picks the post blocks that apply to the final status, in the
// order they run: always first, then the status block, then changed.
// The failure block covers aborted runs as well.
func selectPost(post *model.Post, status model.BuildStatus, changed bool) []*model.PostBlock {
	if post == nil {
		return nil
	}
	var blocks []*model.PostBlock
	add := func(b *model.PostBlock) {
		if b != nil {
			blocks = append(blocks, b)
		}
	}

	add(post.Always)
	switch {
	case status == model.StatusSuccess:
		add(post.Success)
	case status == model.StatusUnstable:
		add(post.Unstable)
	case status.Failed():
		add(post.Failure)
	}
	if changed {
		add(post.Changed)
	}
	return blocks
}

// runPost executes the selected post blocks and returns the notify targets
// they name. Post steps see the pipeline environment plus the final status;
// their failures are logged but never change the verdict.
func (e *Engine) runPost(ctx context.Context, pipelineEnv map[string]string, status model.BuildStatus, changed bool) []string {
	blocks := selectPost(e.pipeline.Post, status, changed)
	if len(blocks) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("Running post blocks.", "count", len(blocks), "status", status)

	env := environ.Merge(pipelineEnv, map[string]string{
		"STAGECOACH_STATUS": string(status),
	})

	var targets []string
	for _, block := range blocks {
		for i, step := range block.Steps {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("post[%d]", i)
			}
			stepLogger := logger.With("step", name)

			stepEnv := env
			if len(step.Env) > 0 {
				resolved, err := environ.Resolve(env, step.Env, nil)
				if err != nil {
					stepLogger.Warn("🔥 Post step environment did not resolve.", "error", err)
					continue
				}
				stepEnv = resolved
			}
			command, err := environ.EvalString(step.Command, stepEnv, nil)
			if err != nil {
				stepLogger.Warn("🔥 Post step command did not evaluate.", "error", err)
				continue
			}

			dir := e.workspace
			if step.Dir != nil {
				d, dirErr := environ.EvalString(step.Dir, stepEnv, nil)
				if dirErr != nil {
					stepLogger.Warn("🔥 Post step dir did not evaluate.", "error", dirErr)
					continue
				}
				if d != "" {
					dir = resolveAgainst(e.workspace, d)
				}
			}

			stepCtx := ctx
			if step.Timeout > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
				defer cancel()
			}

			err = shell.Run(ctxlog.WithLogger(stepCtx, stepLogger), shell.Command{
				Script: command,
				Dir:    dir,
				Env:    environ.ToEnviron(stepEnv),
			})
			if err != nil {
				stepLogger.Warn("🔥 Post step failed.", "error", err)
			}
		}
		for _, n := range block.Notifies {
			targets = append(targets, n.Target)
		}
	}
	return targets
}
