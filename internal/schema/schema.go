// Package schema defines the raw HCL shapes of pipeline files. Decoding stops
// at syntax: expressions that depend on runtime context (env, matrix) stay
// as hcl.Expression and are evaluated by the engine, not here.
package schema

import (
	"github.com/hashicorp/hcl/v2"
)

// --- Pipeline Structures ---

// EnvBlock represents the content of an `env` block. Attributes are kept as
// an undecoded body so each one can be evaluated lazily against the layers
// below it.
type EnvBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Run represents a `run` block: one shell command inside a stage. The name
// attribute is optional; unnamed runs are addressed by position.
type Run struct {
	Name    string         `hcl:"name,optional"`
	Command hcl.Expression `hcl:"command"`
	Dir     hcl.Expression `hcl:"dir,optional"`
	Timeout string         `hcl:"timeout,optional"`
	Env     *EnvBlock      `hcl:"env,block"`
}

// Matrix represents a `matrix` block: the stage is expanded into one branch
// per value, with the variable injected into each branch's environment.
type Matrix struct {
	Variable string   `hcl:"variable"`
	Values   []string `hcl:"values"`
}

// ParallelStage represents a named `parallel` branch inside a stage. It
// carries the same fields as a stage except further nesting: branches cannot
// declare their own matrix or parallel blocks.
type ParallelStage struct {
	Name         string         `hcl:"branch_name,label"`
	When         hcl.Expression `hcl:"when,optional"`
	Env          *EnvBlock      `hcl:"env,block"`
	Dir          hcl.Expression `hcl:"dir,optional"`
	Timeout      string         `hcl:"timeout,optional"`
	AllowFailure bool           `hcl:"allow_failure,optional"`
	Runs         []*Run         `hcl:"run,block"`
	Archive      hcl.Expression `hcl:"archive,optional"`
}

// Stage represents a `stage` block. A stage either runs its own `run` steps
// (optionally expanded by a matrix) or fans out into `parallel` branches,
// never both.
type Stage struct {
	Name         string           `hcl:"stage_name,label"`
	When         hcl.Expression   `hcl:"when,optional"`
	Env          *EnvBlock        `hcl:"env,block"`
	Dir          hcl.Expression   `hcl:"dir,optional"`
	Timeout      string           `hcl:"timeout,optional"`
	AllowFailure bool             `hcl:"allow_failure,optional"`
	FailFast     bool             `hcl:"fail_fast,optional"`
	Runs         []*Run           `hcl:"run,block"`
	Archive      hcl.Expression   `hcl:"archive,optional"`
	Matrix       *Matrix          `hcl:"matrix,block"`
	Parallel     []*ParallelStage `hcl:"parallel,block"`
}

// Service represents a `service` block: an external dependency that must
// answer its readiness probe before any stage starts. Endpoint attributes
// stay as expressions so they can reference the pipeline env.
type Service struct {
	Name     string         `hcl:"service_name,label"`
	Probe    string         `hcl:"probe"`
	Address  hcl.Expression `hcl:"address,optional"`
	URL      hcl.Expression `hcl:"url,optional"`
	Command  hcl.Expression `hcl:"command,optional"`
	Timeout  string         `hcl:"timeout,optional"`
	Interval string         `hcl:"interval,optional"`
}

// Options represents the `options` block with run-wide settings.
type Options struct {
	Timeout      string `hcl:"timeout,optional"`
	Workers      int    `hcl:"workers,optional"`
	Workspace    string `hcl:"workspace,optional"`
	ArtifactsDir string `hcl:"artifacts_dir,optional"`
}

// --- Post Structures ---

// Notify represents a `notify` block inside a post condition, referencing a
// declared notifier by name.
type Notify struct {
	Target string `hcl:"target"`
}

// PostBlock represents one post condition body: shell runs and notify steps.
type PostBlock struct {
	Runs     []*Run    `hcl:"run,block"`
	Notifies []*Notify `hcl:"notify,block"`
}

// Post represents the `post` block selecting work by final build status.
type Post struct {
	Always   *PostBlock `hcl:"always,block"`
	Success  *PostBlock `hcl:"success,block"`
	Failure  *PostBlock `hcl:"failure,block"`
	Unstable *PostBlock `hcl:"unstable,block"`
	Changed  *PostBlock `hcl:"changed,block"`
}

// --- Integration Structures ---

// Notifier represents a `notifier` block: a named delivery target for build
// and stage events.
type Notifier struct {
	Name    string `hcl:"notifier_name,label"`
	Type    string `hcl:"type"`
	URL     string `hcl:"url"`
	Event   string `hcl:"event,optional"`
	Timeout string `hcl:"timeout,optional"`
	Retries int    `hcl:"retries,optional"`
	Live    bool   `hcl:"live,optional"`
}

// History represents the `history` block configuring build record storage.
type History struct {
	Backend string `hcl:"backend,optional"`
	DSN     string `hcl:"dsn,optional"`
	Limit   int    `hcl:"limit,optional"`
}

// Pipeline represents a `pipeline` block from a user's file.
type Pipeline struct {
	Name        string      `hcl:"pipeline_name,label"`
	Description string      `hcl:"description,optional"`
	Env         *EnvBlock   `hcl:"env,block"`
	Options     *Options    `hcl:"options,block"`
	Services    []*Service  `hcl:"service,block"`
	Stages      []*Stage    `hcl:"stage,block"`
	Post        *Post       `hcl:"post,block"`
	Notifiers   []*Notifier `hcl:"notifier,block"`
	History     *History    `hcl:"history,block"`
}

// File represents the top-level structure of a pipeline file. There is no
// remain body: unknown blocks or attributes are decode errors, which is what
// lint mode reports.
type File struct {
	Pipelines []*Pipeline `hcl:"pipeline,block"`
}
