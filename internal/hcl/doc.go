// Package hcl loads pipeline declarations. It discovers .hcl files under a
// path, decodes them against the schema package, translates the raw blocks
// into the model package, and validates the result as a whole. Expressions
// that need runtime context survive translation unevaluated.
package hcl
