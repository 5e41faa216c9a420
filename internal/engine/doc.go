// Package engine executes a loaded pipeline: it gates stages on `when`
// expressions, expands matrix and parallel groups into concurrent branches
// bounded by the worker limit, runs shell steps with the layered
// environment, archives artifacts, selects and runs post blocks, and feeds
// the history store and notifiers.
//
// Stages run strictly in declaration order; only branches inside one stage
// run concurrently. A required stage failure skips everything after it but
// post blocks and notifications still execute under a grace context.
package engine
