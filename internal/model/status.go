package model

// BuildStatus is the final verdict of a pipeline run. The zero value is not
// valid; a finished build always carries one of the constants below.
type BuildStatus string

const (
	// StatusRunning marks a build that has not finished yet. It appears in
	// live snapshots and history rows for in-flight builds, never in a
	// final summary.
	StatusRunning BuildStatus = "running"

	// StatusSuccess means every stage finished cleanly.
	StatusSuccess BuildStatus = "success"

	// StatusUnstable means at least one allow_failure stage failed while
	// everything else succeeded.
	StatusUnstable BuildStatus = "unstable"

	// StatusFailed means a required stage failed.
	StatusFailed BuildStatus = "failed"

	// StatusAborted means the run was cancelled before completing, by
	// signal or by the pipeline timeout.
	StatusAborted BuildStatus = "aborted"
)

// Finished reports whether the status is terminal.
func (s BuildStatus) Finished() bool {
	return s != StatusRunning && s != ""
}

// Failed reports whether the status counts as a failing outcome for post
// blocks and exit codes.
func (s BuildStatus) Failed() bool {
	return s == StatusFailed || s == StatusAborted
}

// StageState tracks one stage (or one expanded branch) through a run.
type StageState string

const (
	StagePending StageState = "pending"
	StageRunning StageState = "running"
	StageSuccess StageState = "success"
	StageFailed  StageState = "failed"
	StageSkipped StageState = "skipped"
	StageAborted StageState = "aborted"
)
