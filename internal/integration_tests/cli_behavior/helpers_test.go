package integration_tests

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stagecoach/internal/app"
	"github.com/specialistvlad/stagecoach/internal/cli"
	"github.com/specialistvlad/stagecoach/internal/testutil"
)

// parseConfig builds an app.Config through the real CLI parser so flag
// handling stays part of the behavior under test. The placeholder path is
// replaced by startApp.
func parseConfig(t *testing.T, args ...string) app.Config {
	t.Helper()
	args = append(args, "placeholder.hcl")
	cfg, shouldExit, err := cli.Parse(args, io.Discard)
	require.NoError(t, err)
	require.False(t, shouldExit)
	return *cfg
}

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
