// Package model provides the Go struct representation of a stagecoach
// pipeline declaration. Its purpose is to turn the raw HCL blocks into a
// strongly-typed, in-memory model that the rest of the application consumes.
//
// The model is built around a few key structures:
//
//   - Pipeline: the root container for one declaration. It aggregates the
//     run options, pipeline-wide environment, external service probes, the
//     ordered list of stages, post hooks, notifier definitions, and the
//     history-store configuration.
//
//   - Stage: a named unit of execution. A stage either runs shell steps
//     directly, fans out into matrix branches, or groups nested stages into
//     an explicit parallel block.
//
//   - Step: one shell command inside a stage, with its own working
//     directory, timeout, and environment overlay.
//
// Why store raw hcl.Expression fields?
//
// Fields whose values depend on the execution scope (the `when` gate,
// working directories, commands, environment values, archive patterns) are
// kept as unevaluated hcl.Expression. Evaluation is deferred until the
// engine knows the full environment for a branch, including the matrix
// value, so a single stage declaration can expand into branches with
// distinct directories and artifact names. Everything that is static
// (names, timeouts, probe kinds) is resolved to plain Go types at load
// time, so later phases never re-parse strings.
package model
