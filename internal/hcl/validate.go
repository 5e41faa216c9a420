package hcl

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	hcllib "github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// Validate checks a loaded pipeline set for declaration problems. All
// findings are collected and returned together so lint can report everything
// in one pass.
func Validate(pipelines []*model.Pipeline) error {
	var errs *multierror.Error

	seen := make(map[string]string)
	for _, p := range pipelines {
		if prev, dup := seen[p.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate pipeline %q declared in %s and %s", p.Name, prev, p.Source))
			continue
		}
		seen[p.Name] = p.Source
		errs = multierror.Append(errs, validatePipeline(p))
	}

	return errs.ErrorOrNil()
}

func validatePipeline(p *model.Pipeline) error {
	var errs *multierror.Error

	fail := func(format string, args ...any) {
		args = append([]any{p.Name}, args...)
		errs = multierror.Append(errs, fmt.Errorf("pipeline %q: "+format, args...))
	}

	if len(p.Stages) == 0 {
		fail("declares no stages")
	}
	if p.Options.Workers <= 0 {
		fail("options.workers must be positive, got %d", p.Options.Workers)
	}
	if err := environ.CheckLayer(p.Env); err != nil {
		fail("%v", err)
	}

	stageNames := make(map[string]bool)
	for _, stage := range p.Stages {
		if stageNames[stage.Name] {
			fail("duplicate stage name %q", stage.Name)
		}
		stageNames[stage.Name] = true
		validateStage(stage, fail)
	}

	serviceNames := make(map[string]bool)
	for _, svc := range p.Services {
		if serviceNames[svc.Name] {
			fail("duplicate service name %q", svc.Name)
		}
		serviceNames[svc.Name] = true
		validateService(svc, fail)
	}

	notifierNames := make(map[string]bool)
	for _, n := range p.Notifiers {
		if notifierNames[n.Name] {
			fail("duplicate notifier name %q", n.Name)
		}
		notifierNames[n.Name] = true
		switch n.Type {
		case model.NotifierWebhook, model.NotifierSocketIO:
		default:
			fail("notifier %q: unknown type %q", n.Name, n.Type)
		}
		if n.Retries < 0 {
			fail("notifier %q: retries must not be negative", n.Name)
		}
	}

	validatePost(p, fail)

	if p.History != nil {
		switch p.History.Backend {
		case "", model.HistoryNone, model.HistorySQLite, model.HistoryPostgres:
		default:
			fail("history: unknown backend %q", p.History.Backend)
		}
		if p.History.Limit < 0 {
			fail("history: limit must not be negative")
		}
	}

	return errs.ErrorOrNil()
}

func validateStage(stage *model.Stage, fail func(string, ...any)) {
	hasSteps := len(stage.Steps) > 0
	hasBranches := len(stage.Parallel) > 0

	switch {
	case hasSteps && hasBranches:
		fail("stage %q: run and parallel blocks cannot be combined", stage.Name)
	case !hasSteps && !hasBranches:
		fail("stage %q: has neither run nor parallel blocks", stage.Name)
	}
	if stage.Matrix != nil && hasBranches {
		fail("stage %q: matrix and parallel blocks cannot be combined", stage.Name)
	}

	if m := stage.Matrix; m != nil {
		if m.Variable == "" {
			fail("stage %q: matrix variable must be set", stage.Name)
		}
		if len(m.Values) == 0 {
			fail("stage %q: matrix values must not be empty", stage.Name)
		}
		values := make(map[string]bool)
		for _, v := range m.Values {
			if values[v] {
				fail("stage %q: duplicate matrix value %q", stage.Name, v)
			}
			values[v] = true
		}
	}

	if err := environ.CheckLayer(stage.Env); err != nil {
		fail("stage %q: %v", stage.Name, err)
	}

	// The stage gate runs before matrix expansion, so it can never see a
	// matrix value.
	if refsRoot(stage.When, "matrix") {
		fail("stage %q: when cannot reference matrix", stage.Name)
	}
	if stage.Matrix == nil {
		for _, expr := range stageExprs(stage) {
			if refsRoot(expr, "matrix") {
				fail("stage %q: references matrix but declares none", stage.Name)
				break
			}
		}
	}

	validateSteps(stage.Name, stage.Steps, fail)

	branchNames := make(map[string]bool)
	for _, branch := range stage.Parallel {
		if branchNames[branch.Name] {
			fail("stage %q: duplicate parallel branch %q", stage.Name, branch.Name)
		}
		branchNames[branch.Name] = true

		if len(branch.Steps) == 0 {
			fail("stage %q: branch %q has no run blocks", stage.Name, branch.Name)
		}
		if err := environ.CheckLayer(branch.Env); err != nil {
			fail("stage %q: branch %q: %v", stage.Name, branch.Name, err)
		}
		for _, expr := range stageExprs(branch) {
			if refsRoot(expr, "matrix") {
				fail("stage %q: branch %q references matrix but declares none", stage.Name, branch.Name)
				break
			}
		}
		validateSteps(stage.Name+"/"+branch.Name, branch.Steps, fail)
	}
}

func validateSteps(owner string, steps []*model.Step, fail func(string, ...any)) {
	names := make(map[string]bool)
	for _, step := range steps {
		if step.Name != "" {
			if names[step.Name] {
				fail("stage %q: duplicate run name %q", owner, step.Name)
			}
			names[step.Name] = true
		}
		if err := environ.CheckLayer(step.Env); err != nil {
			fail("stage %q: run %q: %v", owner, step.Name, err)
		}
	}
}

func validateService(svc *model.Service, fail func(string, ...any)) {
	switch svc.Probe {
	case model.ProbeTCP:
		if svc.Address == nil {
			fail("service %q: tcp probe requires address", svc.Name)
		}
	case model.ProbeHTTP:
		if svc.URL == nil {
			fail("service %q: http probe requires url", svc.Name)
		}
	case model.ProbeCmd:
		if svc.Command == nil {
			fail("service %q: cmd probe requires command", svc.Name)
		}
	default:
		fail("service %q: unknown probe type %q", svc.Name, svc.Probe)
	}
	if svc.Interval <= 0 {
		fail("service %q: interval must be positive", svc.Name)
	}
}

// validatePost checks that every notify step points at a declared notifier.
func validatePost(p *model.Pipeline, fail func(string, ...any)) {
	if p.Post == nil {
		return
	}
	blocks := map[string]*model.PostBlock{
		"always":   p.Post.Always,
		"success":  p.Post.Success,
		"failure":  p.Post.Failure,
		"unstable": p.Post.Unstable,
		"changed":  p.Post.Changed,
	}
	for name, block := range blocks {
		if block == nil {
			continue
		}
		for _, notify := range block.Notifies {
			if p.Notifier(notify.Target) == nil {
				fail("post %s: notify target %q is not a declared notifier", name, notify.Target)
			}
		}
	}
}

// stageExprs collects the expressions of a stage that evaluate inside the
// branch scope, where matrix references would be legal.
func stageExprs(stage *model.Stage) []hcllib.Expression {
	var exprs []hcllib.Expression
	add := func(e hcllib.Expression) {
		if e != nil {
			exprs = append(exprs, e)
		}
	}

	add(stage.Dir)
	add(stage.Archive)
	for _, e := range stage.Env {
		add(e)
	}
	for _, step := range stage.Steps {
		add(step.Command)
		add(step.Dir)
		for _, e := range step.Env {
			add(e)
		}
	}
	return exprs
}

func refsRoot(expr hcllib.Expression, root string) bool {
	if expr == nil {
		return false
	}
	for _, trav := range expr.Variables() {
		if trav.RootName() == root {
			return true
		}
	}
	return false
}
