package hcl_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/stagecoach/internal/hcl"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFiles writes the given relative-path -> content map into a fresh temp
// directory and returns its root.
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func load(t *testing.T, files map[string]string) ([]*model.Pipeline, error) {
	t.Helper()
	dir := writeFiles(t, files)
	return hcl.NewLoader().Load(context.Background(), dir)
}

func TestLoad_FullPipeline(t *testing.T) {
	t.Parallel()

	pipelines, err := load(t, map[string]string{
		"ci.hcl": `
pipeline "ci" {
  description = "main build"

  env {
    RUN_TESTS = "true"
    COVERAGE  = "cov-${env.RUN_TESTS}"
  }

  options {
    timeout       = "45m"
    workers       = 2
    artifacts_dir = "out"
  }

  service "db" {
    probe   = "tcp"
    address = "localhost:5432"
    timeout = "10s"
  }

  stage "build" {
    run {
      name    = "compile"
      command = "make build"
    }
  }

  stage "test" {
    when      = env.RUN_TESTS == "true"
    fail_fast = true

    matrix {
      variable = "BACKEND"
      values   = ["django", "sqlalchemy"]
    }

    run {
      command = "make test BACKEND=${matrix.BACKEND}"
      timeout = "20m"
    }

    archive = ["coverage-${matrix.BACKEND}.xml"]
  }

  stage "checks" {
    parallel "lint" {
      run { command = "make lint" }
    }
    parallel "docs" {
      allow_failure = true
      run { command = "make docs" }
    }
  }

  post {
    always {
      run { command = "make clean" }
    }
    failure {
      notify { target = "ops" }
    }
  }

  notifier "ops" {
    type    = "webhook"
    url     = "https://hooks.example.com/ci"
    timeout = "5s"
    retries = 2
  }

  history {
    backend = "sqlite"
    limit   = 20
  }
}
`,
	})
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	p := pipelines[0]
	assert.Equal(t, "ci", p.Name)
	assert.Equal(t, "main build", p.Description)
	assert.Len(t, p.Env, 2)

	assert.Equal(t, 45*time.Minute, p.Options.Timeout)
	assert.Equal(t, 2, p.Options.Workers)
	assert.Equal(t, "out", p.Options.ArtifactsDir)

	require.Len(t, p.Services, 1)
	assert.Equal(t, model.ProbeTCP, p.Services[0].Probe)
	assert.Equal(t, 10*time.Second, p.Services[0].Timeout)
	assert.Equal(t, model.DefaultProbeInterval, p.Services[0].Interval)

	require.Len(t, p.Stages, 3)

	build := p.Stage("build")
	require.NotNil(t, build)
	require.Len(t, build.Steps, 1)
	assert.Equal(t, "compile", build.Steps[0].Name)
	assert.NotNil(t, build.Steps[0].Command)

	test := p.Stage("test")
	require.NotNil(t, test)
	assert.NotNil(t, test.When)
	assert.True(t, test.FailFast)
	require.NotNil(t, test.Matrix)
	assert.Equal(t, "BACKEND", test.Matrix.Variable)
	assert.Equal(t, []string{"django", "sqlalchemy"}, test.Matrix.Values)
	require.Len(t, test.Steps, 1)
	assert.Equal(t, 20*time.Minute, test.Steps[0].Timeout)
	assert.NotNil(t, test.Archive)

	checks := p.Stage("checks")
	require.NotNil(t, checks)
	assert.True(t, checks.IsParallelGroup())
	require.Len(t, checks.Parallel, 2)
	assert.Equal(t, "lint", checks.Parallel[0].Name)
	assert.True(t, checks.Parallel[1].AllowFailure)

	require.NotNil(t, p.Post)
	require.NotNil(t, p.Post.Always)
	require.Len(t, p.Post.Always.Steps, 1)
	require.NotNil(t, p.Post.Failure)
	require.Len(t, p.Post.Failure.Notifies, 1)
	assert.Equal(t, "ops", p.Post.Failure.Notifies[0].Target)

	require.Len(t, p.Notifiers, 1)
	assert.Equal(t, model.NotifierWebhook, p.Notifiers[0].Type)
	assert.Equal(t, 5*time.Second, p.Notifiers[0].Timeout)
	assert.Equal(t, 2, p.Notifiers[0].Retries)

	require.NotNil(t, p.History)
	assert.Equal(t, model.HistorySQLite, p.History.Backend)
	assert.Equal(t, 20, p.History.Limit)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Parallel()

	pipelines, err := load(t, map[string]string{
		"min.hcl": `
pipeline "minimal" {
  stage "only" {
    run { command = "true" }
  }
}
`,
	})
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	p := pipelines[0]
	assert.Equal(t, model.DefaultTimeout, p.Options.Timeout)
	assert.Equal(t, model.DefaultWorkers, p.Options.Workers)
	assert.Equal(t, model.DefaultArtifactsDir, p.Options.ArtifactsDir)
	assert.Nil(t, p.Post)
	assert.Nil(t, p.History)
}

func TestLoad_SourceRecordsDeclaringFile(t *testing.T) {
	t.Parallel()

	pipelines, err := load(t, map[string]string{
		"sub/one.hcl": `
pipeline "one" {
  stage "s" {
    run { command = "true" }
  }
}
`,
	})
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, "one.hcl", filepath.Base(pipelines[0].Source))
}

func TestLoad_UnknownTopLevelBlock(t *testing.T) {
	t.Parallel()

	_, err := load(t, map[string]string{
		"bad.hcl": `
job "nope" {}
`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}

func TestLoad_MissingCommand(t *testing.T) {
	t.Parallel()

	_, err := load(t, map[string]string{
		"bad.hcl": `
pipeline "p" {
  stage "s" {
    run {}
  }
}
`,
	})
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Parallel()

	_, err := load(t, map[string]string{
		"bad.hcl": `
pipeline "p" {
  options { timeout = "sixty minutes" }
  stage "s" {
    run { command = "true" }
  }
}
`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid options.timeout duration")
}

func TestLoad_DuplicatePipelineAcrossFiles(t *testing.T) {
	t.Parallel()

	_, err := load(t, map[string]string{
		"a.hcl": `
pipeline "ci" {
  stage "s" {
    run { command = "true" }
  }
}
`,
		"b.hcl": `
pipeline "ci" {
  stage "s" {
    run { command = "true" }
  }
}
`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate pipeline")
}

func TestLoad_NoPipelines(t *testing.T) {
	t.Parallel()

	_, err := load(t, map[string]string{"empty.hcl": "\n"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pipeline blocks")
}

func TestLoad_MissingPath(t *testing.T) {
	t.Parallel()

	_, err := hcl.NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
