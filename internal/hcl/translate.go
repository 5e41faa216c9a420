package hcl

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/schema"
)

// translatePipeline converts the raw pipeline schema into the model, applying
// defaults and parsing duration strings. Source records which file declared
// the pipeline.
func translatePipeline(s *schema.Pipeline, source string) (*model.Pipeline, error) {
	p := &model.Pipeline{
		Name:        s.Name,
		Description: s.Description,
		Source:      source,
	}

	env, err := envAttributes(s.Env)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
	}
	p.Env = env

	if err := translateOptions(s.Options, &p.Options); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
	}

	for _, raw := range s.Services {
		svc, err := translateService(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
		}
		p.Services = append(p.Services, svc)
	}

	for _, raw := range s.Stages {
		stage, err := translateStage(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
		}
		p.Stages = append(p.Stages, stage)
	}

	if s.Post != nil {
		post, err := translatePost(s.Post)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
		}
		p.Post = post
	}

	for _, raw := range s.Notifiers {
		n, err := translateNotifier(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", s.Name, err)
		}
		p.Notifiers = append(p.Notifiers, n)
	}

	if s.History != nil {
		p.History = &model.History{
			Backend: s.History.Backend,
			DSN:     s.History.DSN,
			Limit:   s.History.Limit,
		}
	}

	return p, nil
}

func translateOptions(s *schema.Options, opts *model.Options) error {
	opts.Timeout = model.DefaultTimeout
	opts.Workers = model.DefaultWorkers
	opts.ArtifactsDir = model.DefaultArtifactsDir

	if s == nil {
		return nil
	}

	timeout, err := parseDuration("options.timeout", s.Timeout, model.DefaultTimeout)
	if err != nil {
		return err
	}
	opts.Timeout = timeout

	if s.Workers != 0 {
		opts.Workers = s.Workers
	}
	opts.Workspace = s.Workspace
	if s.ArtifactsDir != "" {
		opts.ArtifactsDir = s.ArtifactsDir
	}
	return nil
}

func translateService(s *schema.Service) (*model.Service, error) {
	timeout, err := parseDuration("timeout", s.Timeout, model.DefaultProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", s.Name, err)
	}
	interval, err := parseDuration("interval", s.Interval, model.DefaultProbeInterval)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", s.Name, err)
	}

	return &model.Service{
		Name:     s.Name,
		Probe:    s.Probe,
		Address:  s.Address,
		URL:      s.URL,
		Command:  s.Command,
		Timeout:  timeout,
		Interval: interval,
	}, nil
}

func translateStage(s *schema.Stage) (*model.Stage, error) {
	stage := &model.Stage{
		Name:         s.Name,
		When:         s.When,
		Dir:          s.Dir,
		AllowFailure: s.AllowFailure,
		FailFast:     s.FailFast,
		Archive:      s.Archive,
	}

	env, err := envAttributes(s.Env)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}
	stage.Env = env

	timeout, err := parseDuration("timeout", s.Timeout, 0)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}
	stage.Timeout = timeout

	for i, raw := range s.Runs {
		step, err := translateRun(raw)
		if err != nil {
			return nil, fmt.Errorf("stage %q run %d: %w", s.Name, i, err)
		}
		stage.Steps = append(stage.Steps, step)
	}

	if s.Matrix != nil {
		stage.Matrix = &model.Matrix{
			Variable: s.Matrix.Variable,
			Values:   s.Matrix.Values,
		}
	}

	for _, raw := range s.Parallel {
		branch, err := translateBranch(raw)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Name, err)
		}
		stage.Parallel = append(stage.Parallel, branch)
	}

	return stage, nil
}

// translateBranch converts a parallel branch. Branches reuse the stage model
// but never carry fail_fast, matrix, or nested parallel blocks.
func translateBranch(s *schema.ParallelStage) (*model.Stage, error) {
	branch := &model.Stage{
		Name:         s.Name,
		When:         s.When,
		Dir:          s.Dir,
		AllowFailure: s.AllowFailure,
		Archive:      s.Archive,
	}

	env, err := envAttributes(s.Env)
	if err != nil {
		return nil, fmt.Errorf("branch %q: %w", s.Name, err)
	}
	branch.Env = env

	timeout, err := parseDuration("timeout", s.Timeout, 0)
	if err != nil {
		return nil, fmt.Errorf("branch %q: %w", s.Name, err)
	}
	branch.Timeout = timeout

	for i, raw := range s.Runs {
		step, err := translateRun(raw)
		if err != nil {
			return nil, fmt.Errorf("branch %q run %d: %w", s.Name, i, err)
		}
		branch.Steps = append(branch.Steps, step)
	}

	return branch, nil
}

func translateRun(s *schema.Run) (*model.Step, error) {
	step := &model.Step{
		Name:    s.Name,
		Command: s.Command,
		Dir:     s.Dir,
	}

	env, err := envAttributes(s.Env)
	if err != nil {
		return nil, err
	}
	step.Env = env

	timeout, err := parseDuration("timeout", s.Timeout, 0)
	if err != nil {
		return nil, err
	}
	step.Timeout = timeout

	return step, nil
}

func translatePost(s *schema.Post) (*model.Post, error) {
	post := &model.Post{}

	blocks := []struct {
		name string
		raw  *schema.PostBlock
		dst  **model.PostBlock
	}{
		{"always", s.Always, &post.Always},
		{"success", s.Success, &post.Success},
		{"failure", s.Failure, &post.Failure},
		{"unstable", s.Unstable, &post.Unstable},
		{"changed", s.Changed, &post.Changed},
	}

	for _, b := range blocks {
		if b.raw == nil {
			continue
		}
		translated, err := translatePostBlock(b.raw)
		if err != nil {
			return nil, fmt.Errorf("post %s: %w", b.name, err)
		}
		*b.dst = translated
	}

	return post, nil
}

func translatePostBlock(s *schema.PostBlock) (*model.PostBlock, error) {
	block := &model.PostBlock{}
	for i, raw := range s.Runs {
		step, err := translateRun(raw)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		block.Steps = append(block.Steps, step)
	}
	for _, raw := range s.Notifies {
		block.Notifies = append(block.Notifies, &model.NotifyStep{Target: raw.Target})
	}
	return block, nil
}

func translateNotifier(s *schema.Notifier) (*model.Notifier, error) {
	timeout, err := parseDuration("timeout", s.Timeout, model.DefaultNotifyTimeout)
	if err != nil {
		return nil, fmt.Errorf("notifier %q: %w", s.Name, err)
	}

	return &model.Notifier{
		Name:    s.Name,
		Type:    s.Type,
		URL:     s.URL,
		Event:   s.Event,
		Timeout: timeout,
		Retries: s.Retries,
		Live:    s.Live,
	}, nil
}

// envAttributes extracts the lazy expressions of an env block. The body is
// attributes-only; nested blocks are decode errors.
func envAttributes(block *schema.EnvBlock) (map[string]hcl.Expression, error) {
	if block == nil || block.Body == nil {
		return nil, nil
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid env block: %s", diags.Error())
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	exprs := make(map[string]hcl.Expression, len(attrs))
	for name, attr := range attrs {
		exprs[name] = attr.Expr
	}
	return exprs, nil
}

// parseDuration parses an optional duration attribute, returning fallback
// when the value is empty.
func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative %s duration %q", field, value)
	}
	return d, nil
}
