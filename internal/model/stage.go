package model

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Stage is the format-agnostic representation of a `stage` block.
//
// Exactly one of three shapes is valid, enforced by the loader: a plain
// stage (Steps only), a matrix stage (Steps plus Matrix), or a parallel
// group (Parallel children, no Steps and no Matrix).
type Stage struct {
	Name string

	// When gates execution. A nil expression means the stage always runs.
	When hcl.Expression

	// Env is the stage-scoped environment overlay, layered over the
	// pipeline environment.
	Env map[string]hcl.Expression

	// Dir is the working directory expression, resolved relative to the
	// workspace. Nil means the workspace itself.
	Dir hcl.Expression

	// Timeout bounds the stage within the pipeline budget; zero means no
	// stage-level budget.
	Timeout time.Duration

	// AllowFailure downgrades a failure of this stage to an Unstable build
	// instead of stopping the run.
	AllowFailure bool

	// FailFast controls matrix and parallel-group semantics: when false
	// (the default) every branch runs to completion and failures are
	// aggregated; when true the first failure cancels the siblings.
	FailFast bool

	Steps   []*Step
	Archive hcl.Expression

	Matrix   *Matrix
	Parallel []*Stage
}

// Step is one `run` block: a shell command executed through the system shell.
type Step struct {
	// Name is the optional display name; empty falls back to "run[i]".
	Name string

	Command hcl.Expression
	Dir     hcl.Expression
	Timeout time.Duration
	Env     map[string]hcl.Expression
}

// Matrix expands a stage into one branch per value, run in parallel. Each
// branch sees the environment variable <Variable>=<value> and the
// `matrix.value` expression scope.
type Matrix struct {
	Variable string
	Values   []string
}

// IsParallelGroup reports whether the stage is an explicit parallel group
// of nested stages rather than a runnable stage.
func (s *Stage) IsParallelGroup() bool {
	return len(s.Parallel) > 0
}

// StepName returns the display name for step i, falling back to a
// positional label when the declaration did not name it.
func (s *Stage) StepName(i int) string {
	if i < len(s.Steps) && s.Steps[i].Name != "" {
		return s.Steps[i].Name
	}
	return fmt.Sprintf("run[%d]", i)
}
