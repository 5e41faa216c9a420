// Package environ resolves the layered environments of a pipeline run.
//
// Each pipeline, stage, and run block may carry an env block whose attribute
// values are HCL expressions. Expressions see the already-resolved outer
// layers through the `env` object, so a stage can extend what the pipeline
// set, and a run can extend what its stage set. Within a single layer,
// attributes may reference each other and are evaluated in dependency order;
// reference cycles are rejected. An attribute that references its own name
// reads the outer layer's value, which keeps the common PATH-extension
// pattern working.
package environ
