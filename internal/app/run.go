package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/engine"
	"github.com/specialistvlad/stagecoach/internal/history"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/notify"
)

// Run executes the selected mode. A nil return means the process should
// exit zero; run outcomes of failed or aborted surface as errors.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.Lint {
		return a.lint()
	}
	if a.config.Builds > 0 {
		return a.printBuilds(ctx)
	}

	stopStatus := a.startStatusServer()
	defer stopStatus()

	if a.config.Watch {
		return a.watch(ctx)
	}
	return a.runOnce(ctx)
}

// lint reports the pipelines that survived loading. Parse and validation
// failures never reach here; New returns them as errors.
func (a *App) lint() error {
	for _, p := range a.pipelines {
		fmt.Fprintf(a.outW, "✅ %s: pipeline %q is valid (%d stages)\n", p.Source, p.Name, len(p.Stages))
	}
	a.logger.Debug("Lint finished.", "pipelines", len(a.pipelines))
	return nil
}

// printBuilds lists the most recent recorded builds for every loaded
// pipeline, newest first.
func (a *App) printBuilds(ctx context.Context) error {
	for _, p := range a.pipelines {
		store, err := history.Open(ctx, p.History, p.WorkspaceDir())
		if err != nil {
			return fmt.Errorf("opening history for pipeline %q: %w", p.Name, err)
		}
		builds, err := store.RecentBuilds(ctx, p.Name, a.config.Builds)
		if closeErr := store.Close(); closeErr != nil {
			a.logger.Warn("History store close failed.", "error", closeErr)
		}
		if err != nil {
			return fmt.Errorf("listing builds for pipeline %q: %w", p.Name, err)
		}

		fmt.Fprintf(a.outW, "Pipeline %q:\n", p.Name)
		if len(builds) == 0 {
			fmt.Fprintln(a.outW, "  no recorded builds")
			continue
		}
		for _, b := range builds {
			status := b.Status
			duration := b.Duration().Round(10 * time.Millisecond).String()
			if !status.Finished() {
				duration = "-"
			}
			fmt.Fprintf(a.outW, "  #%-4d %-9s %-10s %s  %s\n",
				b.Number, status, duration, b.StartedAt.Format(time.RFC3339), b.ID)
		}
	}
	return nil
}

// runOnce executes every loaded pipeline sequentially, in declaration
// order. Failed and aborted outcomes are collected so later pipelines still
// get their turn.
func (a *App) runOnce(ctx context.Context) error {
	var merr *multierror.Error
	for _, p := range a.pipelines {
		if ctx.Err() != nil {
			merr = multierror.Append(merr, fmt.Errorf("pipeline %q not started: %w", p.Name, context.Cause(ctx)))
			continue
		}
		result, err := a.runPipeline(ctx, p)
		if err != nil {
			return err
		}
		if result.Status.Failed() {
			merr = multierror.Append(merr, fmt.Errorf("pipeline %q finished %s", p.Name, result.Status))
		}
	}
	return merr.ErrorOrNil()
}

// runPipeline wires up one pipeline's history store and notifiers, runs it,
// and tears the wiring down again. The error covers infrastructure
// failures only; the run verdict lives in the result.
func (a *App) runPipeline(ctx context.Context, p *model.Pipeline) (*engine.Result, error) {
	store, err := history.Open(ctx, p.History, p.WorkspaceDir())
	if err != nil {
		return nil, fmt.Errorf("opening history for pipeline %q: %w", p.Name, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("History store close failed.", "error", err)
		}
	}()

	notifiers, err := notify.Build(ctx, p.Notifiers)
	if err != nil {
		return nil, fmt.Errorf("building notifiers for pipeline %q: %w", p.Name, err)
	}
	defer func() {
		for _, n := range notifiers {
			if err := n.Close(); err != nil {
				a.logger.Warn("Notifier close failed.", "notifier", n.Name(), "error", err)
			}
		}
	}()

	eng := engine.New(p, store, notifiers)
	a.setActive(eng)
	defer a.setActive(nil)

	return eng.Run(ctx)
}
