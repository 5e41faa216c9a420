package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stagecoach/internal/app"
	"github.com/specialistvlad/stagecoach/internal/testutil"
)

// startApp loads the given pipeline files into a fresh app with debug logs
// captured. The returned dir is both pipeline path and workspace.
func startApp(t *testing.T, cfg app.Config, files map[string]string) (*app.App, *testutil.SafeBuffer, string) {
	t.Helper()
	dir := testutil.WriteFiles(t, files)
	cfg.PipelinePath = dir
	cfg.LogLevel = "debug"
	out := &testutil.SafeBuffer{}
	conf, err := app.NewConfig(cfg)
	require.NoError(t, err)
	a, err := app.New(out, conf)
	require.NoError(t, err)
	return a, out, dir
}
