package integration_tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stagecoach/internal/app"
)

// Test for: archive collects artifacts preserving relative layout
func TestCoreExecution_Archive_CollectsArtifactsPerStage(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{"ci.hcl": `
pipeline "ci" {
  stage "build" {
    run { command = "echo data > cover.out && mkdir -p dist && echo bin > dist/app.bin" }
    archive = ["cover.out", "dist/*.bin"]
  }
  stage "docs" {
    run { command = "true" }
    archive = ["site/**.html"]
  }
}
`}
	a, out, dir := startApp(t, app.Config{}, files)

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err, "an archive pattern with no matches must not fail the build")

	artifacts := filepath.Join(dir, "_artifacts")
	assert.FileExists(t, filepath.Join(artifacts, "build", "cover.out"))
	assert.FileExists(t, filepath.Join(artifacts, "build", "dist", "app.bin"),
		"archived files keep their relative layout under the stage directory")
	assert.Contains(t, out.String(), "Archive pattern matched nothing")

	entries, readErr := os.ReadDir(filepath.Join(artifacts, "build"))
	require.NoError(t, readErr)
	assert.Len(t, entries, 2)
}
