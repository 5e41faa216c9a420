package integration_tests

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stagecoach/internal/app"
	"github.com/specialistvlad/stagecoach/internal/history"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/testutil"
)

// Test for: history environment override
func TestCLI_HistoryEnvironment_OverridesPipelineDeclaration(t *testing.T) {
	// No t.Parallel: t.Setenv mutates process state.

	// --- Arrange ---
	// The pipeline declares history off; the operator environment repoints
	// it at a sqlite file without touching the declaration.
	stateDir := t.TempDir()
	dsn := filepath.Join(stateDir, "override.db")
	t.Setenv(history.EnvBackend, "sqlite")
	t.Setenv(history.EnvDSN, dsn)

	files := map[string]string{"ci.hcl": `
pipeline "env-override-ci" {
  history {
    backend = "none"
  }
  stage "noop" {
    run { command = "true" }
  }
}
`}
	a, _, _ := startApp(t, app.Config{}, files)

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)

	ctx, _ := testutil.ContextWithLogs(t)
	store, err := history.Open(ctx, nil, stateDir)
	require.NoError(t, err)
	defer store.Close()

	builds, err := store.RecentBuilds(ctx, "env-override-ci", 10)
	require.NoError(t, err)
	require.Len(t, builds, 1, "the env override must repoint an explicit none backend to sqlite")
	assert.Equal(t, model.StatusSuccess, builds[0].Status)
	assert.Equal(t, 1, builds[0].Number)
}
