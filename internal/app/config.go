package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// PipelinePath is a .hcl file or a directory containing .hcl files.
	PipelinePath string

	// Lint parses and validates the pipeline files without running them.
	Lint bool
	// Builds prints the N most recent recorded builds and exits. Zero
	// disables the listing.
	Builds int
	// Watch re-runs the pipelines whenever workspace files change.
	Watch bool

	// StatusPort serves /health and /status over HTTP when positive.
	StatusPort int
	// Workers overrides the declared concurrent branch limit when positive.
	Workers int

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config and returns it ready for use.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.Lint && cfg.Watch {
		return nil, errors.New("lint and watch modes cannot be combined")
	}
	return &cfg, nil
}
