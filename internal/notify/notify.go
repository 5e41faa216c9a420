// Package notify delivers build and stage events to external listeners. Two
// notifier types exist: webhook POSTs JSON payloads, socketio emits them on
// a persistent connection. Notifiers marked live additionally receive stage
// transitions while the run is still going.
package notify

import (
	"context"
	"fmt"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// StageEvent is emitted by live notifiers whenever a stage changes state.
type StageEvent struct {
	Kind       string           `json:"kind"`
	Pipeline   string           `json:"pipeline"`
	Build      int              `json:"build"`
	BuildID    string           `json:"build_id"`
	Stage      string           `json:"stage"`
	State      model.StageState `json:"state"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// StageResult is one stage outcome inside a BuildSummary.
type StageResult struct {
	Name       string           `json:"name"`
	State      model.StageState `json:"state"`
	DurationMS int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

// BuildSummary is the final payload sent once a run has settled. Previous
// is the status of the last recorded build, empty when history has none.
type BuildSummary struct {
	Kind       string            `json:"kind"`
	Pipeline   string            `json:"pipeline"`
	Build      int               `json:"build"`
	BuildID    string            `json:"build_id"`
	Status     model.BuildStatus `json:"status"`
	Previous   model.BuildStatus `json:"previous,omitempty"`
	Changed    bool              `json:"changed"`
	DurationMS int64             `json:"duration_ms"`
	Stages     []StageResult     `json:"stages"`
}

// Payload kind markers.
const (
	KindStage = "stage"
	KindBuild = "build"
)

// Notifier is one configured delivery target.
type Notifier interface {
	// Name is the declaration label, used by post notify steps.
	Name() string
	// Live reports whether the notifier wants stage transitions during
	// the run, not just the final summary.
	Live() bool
	StageEvent(ctx context.Context, ev StageEvent) error
	BuildDone(ctx context.Context, sum BuildSummary) error
	Close() error
}

type factory func(ctx context.Context, decl *model.Notifier) (Notifier, error)

var factories = map[string]factory{
	model.NotifierWebhook:  newWebhook,
	model.NotifierSocketIO: newSocketIO,
}

// Build constructs every declared notifier. An unknown type is an error; a
// notifier that fails to construct (a socketio server that refuses the
// connection) degrades to a warning and the run continues without it.
func Build(ctx context.Context, decls []*model.Notifier) ([]Notifier, error) {
	logger := ctxlog.FromContext(ctx)

	var built []Notifier
	for _, decl := range decls {
		create, ok := factories[decl.Type]
		if !ok {
			closeAll(ctx, built)
			return nil, fmt.Errorf("notifier %q: unknown type %q", decl.Name, decl.Type)
		}
		n, err := create(ctx, decl)
		if err != nil {
			logger.Warn("Notifier unavailable, continuing without it.",
				"notifier", decl.Name, "type", decl.Type, "error", err)
			continue
		}
		logger.Debug("Notifier ready.", "notifier", decl.Name, "type", decl.Type, "live", decl.Live)
		built = append(built, n)
	}
	return built, nil
}

func closeAll(ctx context.Context, notifiers []Notifier) {
	logger := ctxlog.FromContext(ctx)
	for _, n := range notifiers {
		if err := n.Close(); err != nil {
			logger.Warn("Failed to close notifier.", "notifier", n.Name(), "error", err)
		}
	}
}
