package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineLookups(t *testing.T) {
	t.Parallel()

	// Arrange
	p := &Pipeline{
		Stages: []*Stage{
			{Name: "build"},
			{Name: "test"},
		},
		Notifiers: []*Notifier{
			{Name: "ops", Type: NotifierWebhook},
		},
	}

	// Act & Assert
	require.NotNil(t, p.Stage("test"))
	assert.Equal(t, "test", p.Stage("test").Name)
	assert.Nil(t, p.Stage("deploy"))

	require.NotNil(t, p.Notifier("ops"))
	assert.Nil(t, p.Notifier("nobody"))
}

func TestStageStepName(t *testing.T) {
	t.Parallel()

	s := &Stage{
		Name: "build",
		Steps: []*Step{
			{Name: "compile"},
			{},
		},
	}

	assert.Equal(t, "compile", s.StepName(0))
	assert.Equal(t, "run[1]", s.StepName(1))
}

func TestPipelinePaths(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Source: filepath.Join("/proj", "ci.hcl")}
	assert.Equal(t, "/proj", p.WorkspaceDir())
	assert.Equal(t, filepath.Join("/proj", DefaultArtifactsDir), p.ArtifactsPath())

	p.Options.Workspace = "sub"
	assert.Equal(t, filepath.Join("/proj", "sub"), p.WorkspaceDir())

	p.Options.Workspace = "/elsewhere"
	p.Options.ArtifactsDir = "out"
	assert.Equal(t, "/elsewhere", p.WorkspaceDir())
	assert.Equal(t, filepath.Join("/elsewhere", "out"), p.ArtifactsPath())

	p.Options.ArtifactsDir = "/var/artifacts"
	assert.Equal(t, "/var/artifacts", p.ArtifactsPath())
}

func TestBuildStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusRunning.Finished())
	assert.True(t, StatusSuccess.Finished())
	assert.True(t, StatusAborted.Finished())

	assert.False(t, StatusSuccess.Failed())
	assert.False(t, StatusUnstable.Failed())
	assert.True(t, StatusFailed.Failed())
	assert.True(t, StatusAborted.Failed())
}
