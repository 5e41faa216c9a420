package engine_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/specialistvlad/stagecoach/internal/engine"
	"github.com/specialistvlad/stagecoach/internal/hcl"
	"github.com/specialistvlad/stagecoach/internal/history"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/notify"
	"github.com/specialistvlad/stagecoach/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// loadPipeline writes the declaration into a fresh directory and loads it.
// The pipeline's workspace resolves to that directory.
func loadPipeline(t *testing.T, declaration string) *model.Pipeline {
	t.Helper()
	dir := testutil.WriteFiles(t, map[string]string{"pipeline.hcl": declaration})
	ctx, _ := testutil.ContextWithLogs(t)
	pipelines, err := hcl.NewLoader().Load(ctx, dir)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	return pipelines[0]
}

// runPipeline executes the declaration with history disabled and returns
// the result plus the workspace the steps ran in.
func runPipeline(t *testing.T, declaration string) (*engine.Result, string) {
	t.Helper()
	p := loadPipeline(t, declaration)
	ctx, _ := testutil.ContextWithLogs(t)
	store, err := history.Open(ctx, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	eng := engine.New(p, store, nil)
	res, err := eng.Run(ctx)
	require.NoError(t, err)
	return res, eng.Workspace()
}

func stageResult(t *testing.T, res *engine.Result, name, branch string) history.Stage {
	t.Helper()
	for _, s := range res.Stages {
		if s.Name == name && s.Branch == branch {
			return s
		}
	}
	t.Fatalf("no result for stage %q branch %q in %+v", name, branch, res.Stages)
	return history.Stage{}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRun_SequentialStagesSharePipelineEnv(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  env {
    GREETING = "hello"
    MESSAGE  = "${env.GREETING} world"
  }
  stage "build" {
    run { command = "printf '%s' \"$MESSAGE\" > build.txt" }
  }
  stage "verify" {
    run { command = "test \"$(cat build.txt)\" = 'hello world'" }
  }
}
`)

	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Number)
	assert.NotEmpty(t, res.BuildID)
	assert.Equal(t, "hello world", readFile(t, filepath.Join(workspace, "build.txt")))

	want := []history.Stage{
		{Name: "build", State: model.StageSuccess},
		{Name: "verify", State: model.StageSuccess},
	}
	ignore := cmpopts.IgnoreFields(history.Stage{}, "Duration", "Error")
	if diff := cmp.Diff(want, res.Stages, ignore); diff != "" {
		t.Errorf("stage results mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_WhenGateSkipsStage(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  env {
    RUN_LINT = "true"
  }
  stage "tests" {
    when = env.RUN_THE_TESTS == "true"
    run { command = "touch tests.txt" }
  }
  stage "lint" {
    when = env.RUN_LINT == "true"
    run { command = "touch lint.txt" }
  }
}
`)

	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, model.StageSkipped, stageResult(t, res, "tests", "").State)
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "lint", "").State)
	assert.False(t, fileExists(filepath.Join(workspace, "tests.txt")), "gated stage must not run its steps")
	assert.True(t, fileExists(filepath.Join(workspace, "lint.txt")))
}

func TestRun_FailureSkipsRemainingAndRunsFailurePost(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "broken" {
    run { command = "echo wheel fell off; exit 3" }
  }
  stage "after" {
    run { command = "touch after.txt" }
  }
  post {
    always {
      run { command = "touch always.txt" }
    }
    failure {
      run { command = "touch failure.txt" }
    }
    success {
      run { command = "touch success.txt" }
    }
  }
}
`)

	assert.Equal(t, model.StatusFailed, res.Status)

	broken := stageResult(t, res, "broken", "")
	assert.Equal(t, model.StageFailed, broken.State)
	assert.Contains(t, broken.Error, "exit status 3")
	assert.Contains(t, broken.Error, "wheel fell off", "stage result carries the command's last output")
	assert.Equal(t, model.StageSkipped, stageResult(t, res, "after", "").State)

	assert.False(t, fileExists(filepath.Join(workspace, "after.txt")))
	assert.True(t, fileExists(filepath.Join(workspace, "always.txt")), "always post block runs on failure")
	assert.True(t, fileExists(filepath.Join(workspace, "failure.txt")))
	assert.False(t, fileExists(filepath.Join(workspace, "success.txt")))
}

func TestRun_AllowFailureTurnsBuildUnstable(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "flaky" {
    allow_failure = true
    run { command = "false" }
  }
  stage "after" {
    run { command = "touch after.txt" }
  }
  post {
    unstable {
      run { command = "touch unstable.txt" }
    }
  }
}
`)

	assert.Equal(t, model.StatusUnstable, res.Status)
	assert.Equal(t, model.StageFailed, stageResult(t, res, "flaky", "").State)
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "after", "").State)
	assert.True(t, fileExists(filepath.Join(workspace, "after.txt")), "run continues past an allowed failure")
	assert.True(t, fileExists(filepath.Join(workspace, "unstable.txt")))
}

func TestRun_MatrixBranchesGetValueScopes(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "tests" {
    matrix {
      variable = "BACKEND"
      values   = ["django", "sqlalchemy"]
    }
    env {
      COVER = "cover-${matrix.value}.out"
    }
    run { command = "printf '%s' \"$BACKEND\" > \"$COVER\"" }
    archive = ["cover-${matrix.value}.out"]
  }
}
`)

	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "tests", "django").State)
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "tests", "sqlalchemy").State)

	assert.Equal(t, "django", readFile(t, filepath.Join(workspace, "cover-django.out")))
	assert.Equal(t, "sqlalchemy", readFile(t, filepath.Join(workspace, "cover-sqlalchemy.out")))

	assert.True(t, fileExists(filepath.Join(workspace, "_artifacts", "tests[django]", "cover-django.out")),
		"archived per-branch artifact")
	assert.True(t, fileExists(filepath.Join(workspace, "_artifacts", "tests[sqlalchemy]", "cover-sqlalchemy.out")))
}

func TestRun_MatrixFailFastCancelsSiblings(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "tests" {
    fail_fast = true
    matrix {
      variable = "B"
      values   = ["bad", "slow"]
    }
    run { command = "if [ \"$B\" = bad ]; then exit 1; else sleep 30 && touch slow.txt; fi" }
  }
}
`)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.StageFailed, stageResult(t, res, "tests", "bad").State)
	assert.Equal(t, model.StageAborted, stageResult(t, res, "tests", "slow").State)
	assert.False(t, fileExists(filepath.Join(workspace, "slow.txt")), "cancelled branch must not finish")
	assert.Less(t, res.Duration, 20*time.Second, "fail_fast must not wait for the slow branch")
}

func TestRun_MatrixWithoutFailFastRunsAllBranches(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "tests" {
    matrix {
      variable = "B"
      values   = ["bad", "good"]
    }
    run { command = "if [ \"$B\" = bad ]; then exit 1; else touch good.txt; fi" }
  }
}
`)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.StageFailed, stageResult(t, res, "tests", "bad").State)
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "tests", "good").State)
	assert.True(t, fileExists(filepath.Join(workspace, "good.txt")), "siblings run to completion by default")
}

func TestRun_ParallelBranchesShareGroupEnv(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "checks" {
    env {
      SHARED = "yes"
    }
    parallel "lint" {
      run { command = "printf '%s' \"$SHARED\" > lint.txt" }
    }
    parallel "docs" {
      allow_failure = true
      run { command = "exit 1" }
    }
  }
  stage "after" {
    run { command = "touch after.txt" }
  }
}
`)

	assert.Equal(t, model.StatusUnstable, res.Status, "allowed branch failure turns the build unstable")
	assert.Equal(t, model.StageSuccess, stageResult(t, res, "checks", "lint").State)
	assert.Equal(t, model.StageFailed, stageResult(t, res, "checks", "docs").State)
	assert.Equal(t, "yes", readFile(t, filepath.Join(workspace, "lint.txt")))
	assert.True(t, fileExists(filepath.Join(workspace, "after.txt")))
}

func TestRun_WorkerLimitSerializesBranches(t *testing.T) {
	t.Parallel()

	_, workspace := runPipeline(t, `
pipeline "ci" {
  options {
    workers = 1
  }
  stage "m" {
    matrix {
      variable = "I"
      values   = ["a", "b"]
    }
    run { command = "printf 'start-%s\n' \"$I\" >> order.txt; sleep 0.2; printf 'end-%s\n' \"$I\" >> order.txt" }
  }
}
`)

	got := readFile(t, filepath.Join(workspace, "order.txt"))
	assert.Equal(t, "start-a\nend-a\nstart-b\nend-b\n", got,
		"workers=1 must run one branch at a time in declaration order")
}

func TestRun_PipelineTimeoutAbortsRun(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  options {
    timeout = "300ms"
  }
  stage "hang" {
    run { command = "sleep 30" }
  }
  stage "later" {
    run { command = "touch later.txt" }
  }
  post {
    always {
      run { command = "touch cleanup.txt" }
    }
  }
}
`)

	assert.Equal(t, model.StatusAborted, res.Status)
	assert.Equal(t, model.StageAborted, stageResult(t, res, "hang", "").State)
	assert.Equal(t, model.StageSkipped, stageResult(t, res, "later", "").State)
	assert.False(t, fileExists(filepath.Join(workspace, "later.txt")))
	assert.True(t, fileExists(filepath.Join(workspace, "cleanup.txt")), "cleanup still runs after a timeout")
	assert.Less(t, res.Duration, 15*time.Second)
}

func TestRun_StageTimeoutFailsOnlyThatStage(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "slow" {
    timeout       = "300ms"
    allow_failure = true
    run { command = "sleep 30" }
  }
  stage "after" {
    run { command = "touch after.txt" }
  }
}
`)

	assert.Equal(t, model.StatusUnstable, res.Status)
	slow := stageResult(t, res, "slow", "")
	assert.Equal(t, model.StageFailed, slow.State, "a stage budget expiry is a stage failure, not a run abort")
	assert.Contains(t, slow.Error, "stage timed out after 300ms")
	assert.True(t, fileExists(filepath.Join(workspace, "after.txt")))
}

func TestRun_InjectedEnvironment(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  stage "dump" {
    run { command = "env | grep '^STAGECOACH' | sort > env.txt; printf '%s' \"$CI\" > ci.txt" }
  }
}
`)

	require.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, "true", readFile(t, filepath.Join(workspace, "ci.txt")))

	dump := readFile(t, filepath.Join(workspace, "env.txt"))
	assert.Contains(t, dump, "STAGECOACH=true")
	assert.Contains(t, dump, "STAGECOACH_PIPELINE=ci")
	assert.Contains(t, dump, "STAGECOACH_BUILD_NUMBER=1")
	assert.Contains(t, dump, "STAGECOACH_STAGE=dump")
	assert.Contains(t, dump, "STAGECOACH_WORKSPACE="+workspace)
	assert.Contains(t, dump, "STAGECOACH_BUILD_ID="+res.BuildID)
}

func TestRun_ServiceNotReadySkipsStagesButRunsFailurePost(t *testing.T) {
	t.Parallel()

	res, workspace := runPipeline(t, `
pipeline "ci" {
  service "database" {
    probe    = "tcp"
    address  = "127.0.0.1:1"
    timeout  = "300ms"
    interval = "100ms"
  }
  stage "build" {
    run { command = "touch build.txt" }
  }
  post {
    failure {
      run { command = "touch failure.txt" }
    }
  }
}
`)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.StageSkipped, stageResult(t, res, "build", "").State)
	assert.False(t, fileExists(filepath.Join(workspace, "build.txt")))
	assert.True(t, fileExists(filepath.Join(workspace, "failure.txt")))
}

func TestRun_ChangedFiresOnStatusTransition(t *testing.T) {
	t.Parallel()

	p := loadPipeline(t, `
pipeline "ci" {
  stage "work" {
    run { command = "true" }
  }
  post {
    changed {
      run { command = "touch changed-$STAGECOACH_BUILD_NUMBER.txt" }
    }
  }
}
`)
	ctx, _ := testutil.ContextWithLogs(t)
	store, err := history.Open(ctx, &model.History{
		Backend: model.HistorySQLite,
		DSN:     filepath.Join(t.TempDir(), "history.db"),
	}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	workspace := filepath.Dir(p.Source)

	first, err := engine.New(p, store, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)
	assert.True(t, first.Changed, "the very first build counts as changed")
	assert.True(t, fileExists(filepath.Join(workspace, "changed-1.txt")))

	second, err := engine.New(p, store, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)
	assert.Equal(t, model.StatusSuccess, second.Previous)
	assert.False(t, second.Changed, "same status twice in a row is not a change")
	assert.False(t, fileExists(filepath.Join(workspace, "changed-2.txt")))

	last, ok, err := store.LastBuild(ctx, "ci")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, last.Number)
	require.NotEmpty(t, last.Stages)
	assert.Equal(t, "work", last.Stages[0].Name)
}

func TestRun_EnvResolutionFailureRecordsFinishedBuild(t *testing.T) {
	t.Parallel()

	p := loadPipeline(t, `
pipeline "ci" {
  env {
    BROKEN = nosuchfunc()
  }
  stage "build" {
    run { command = "touch build.txt" }
  }
}
`)
	ctx, _ := testutil.ContextWithLogs(t)
	store, err := history.Open(ctx, &model.History{
		Backend: model.HistorySQLite,
		DSN:     filepath.Join(t.TempDir(), "history.db"),
	}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, runErr := engine.New(p, store, nil).Run(ctx)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "resolving pipeline environment")

	builds, err := store.RecentBuilds(ctx, "ci", 0)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, model.StatusFailed, builds[0].Status, "the build row must not stay running forever")
	assert.False(t, builds[0].FinishedAt.IsZero())
	assert.Contains(t, builds[0].Error, "resolving pipeline environment")
	require.NotEmpty(t, builds[0].Stages)
	assert.Equal(t, model.StageSkipped, builds[0].Stages[0].State)
}

// payloadRecorder collects webhook deliveries for notification assertions.
type payloadRecorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *payloadRecorder) handler(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, decoded)
	r.mu.Unlock()
}

func (r *payloadRecorder) byKind(kind string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, b := range r.bodies {
		if b["kind"] == kind {
			out = append(out, b)
		}
	}
	return out
}

func TestRun_LiveNotifierGetsStageEventsAndOneSummary(t *testing.T) {
	t.Parallel()

	rec := &payloadRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	p := loadPipeline(t, fmt.Sprintf(`
pipeline "ci" {
  stage "work" {
    run { command = "true" }
  }
  post {
    success {
      notify { target = "hook" }
    }
  }
  notifier "hook" {
    type = "webhook"
    url  = %q
    live = true
  }
}
`, srv.URL))

	ctx, _ := testutil.ContextWithLogs(t)
	store, err := history.Open(ctx, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	notifiers, err := notify.Build(ctx, p.Notifiers)
	require.NoError(t, err)
	require.Len(t, notifiers, 1)
	t.Cleanup(func() { require.NoError(t, notifiers[0].Close()) })

	res, err := engine.New(p, store, notifiers).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)

	stageEvents := rec.byKind("stage")
	require.NotEmpty(t, stageEvents, "live notifier receives stage transitions")
	assert.Equal(t, "work", stageEvents[0]["stage"])
	assert.Equal(t, "running", stageEvents[0]["state"])
	last := stageEvents[len(stageEvents)-1]
	assert.Equal(t, "success", last["state"])

	builds := rec.byKind("build")
	require.Len(t, builds, 1, "live plus targeted notifier still gets exactly one summary")
	assert.Equal(t, "success", builds[0]["status"])
	assert.Equal(t, true, builds[0]["changed"])
}
