package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/fsutil"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/schema"
)

// Loader discovers, parses, and validates pipeline files.
type Loader struct{}

// NewLoader creates a new pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads every .hcl file under path and returns the pipelines they
// declare, validated as a set. Path may be a single file or a directory.
func (l *Loader) Load(ctx context.Context, path string) ([]*model.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered pipeline files.", "path", path, "count", len(files))
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found under %s", path)
	}

	parser := hclparse.NewParser()
	var pipelines []*model.Pipeline

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %s", file, diags.Error())
		}

		var root schema.File
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %s", file, diags.Error())
		}

		for _, raw := range root.Pipelines {
			p, err := translatePipeline(raw, file)
			if err != nil {
				return nil, fmt.Errorf("in %s: %w", file, err)
			}
			pipelines = append(pipelines, p)
		}
	}

	if len(pipelines) == 0 {
		return nil, fmt.Errorf("no pipeline blocks found under %s", path)
	}
	if err := Validate(pipelines); err != nil {
		return nil, err
	}

	logger.Debug("Pipeline loading complete.", "pipelines", len(pipelines))
	return pipelines, nil
}
