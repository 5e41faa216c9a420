package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/engine"
	"github.com/specialistvlad/stagecoach/internal/hcl"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle. One App instance owns one set of loaded pipelines.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	config    *Config
	pipelines []*model.Pipeline

	// active is the engine currently executing, exposed through the
	// status server. Nil between runs.
	mu     sync.RWMutex
	active *engine.Engine
}

// New is the constructor for the main application. It configures an
// isolated logger, loads and validates every pipeline under the configured
// path, and applies CLI overrides. Any error it returns is a configuration
// problem, not a run outcome.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	pipelines, err := hcl.NewLoader().Load(ctx, cfg.PipelinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipelines: %w", err)
	}
	logger.Debug("Pipelines loaded and validated.", "count", len(pipelines))

	if cfg.Workers > 0 {
		for _, p := range pipelines {
			p.Options.Workers = cfg.Workers
		}
		logger.Debug("Worker limit overridden from CLI.", "workers", cfg.Workers)
	}

	return &App{
		outW:      outW,
		logger:    logger,
		config:    cfg,
		pipelines: pipelines,
	}, nil
}

// Pipelines returns the loaded declarations. This is primarily for testing.
func (a *App) Pipelines() []*model.Pipeline {
	return a.pipelines
}

func (a *App) setActive(eng *engine.Engine) {
	a.mu.Lock()
	a.active = eng
	a.mu.Unlock()
}

func (a *App) activeEngine() *engine.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}
