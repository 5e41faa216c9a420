package model

import (
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Probe kinds accepted in a `service` block.
const (
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeCmd  = "cmd"
)

// Probe defaults applied by the loader.
const (
	DefaultProbeTimeout  = 30 * time.Second
	DefaultProbeInterval = 2 * time.Second
)

// Service describes an external collaborator (database, message queue) that
// must be ready before stages run. The runner never starts or stops these
// services; it only probes them.
//
// Address, URL, and Command stay as expressions so endpoints can reference
// the pipeline environment, which is not resolved until run time.
type Service struct {
	Name string

	// Probe selects the readiness check: ProbeTCP dials Address, ProbeHTTP
	// issues a GET against URL expecting a 2xx, ProbeCmd runs Command
	// through the shell expecting exit 0.
	Probe string

	Address hcl.Expression
	URL     hcl.Expression
	Command hcl.Expression

	// Timeout is the total budget for the service to become ready.
	Timeout time.Duration
	// Interval is the pause between attempts.
	Interval time.Duration
}
