package model

// Post holds the steps executed after all stages complete, selected by the
// final build status. Always runs regardless of status; Changed fires when
// the status differs from the previous recorded build.
type Post struct {
	Always   *PostBlock
	Success  *PostBlock
	Failure  *PostBlock
	Unstable *PostBlock
	Changed  *PostBlock
}

// PostBlock is the content of one post condition: shell steps and notify
// steps, executed in declaration order (runs first, then notifies).
type PostBlock struct {
	Steps    []*Step
	Notifies []*NotifyStep
}

// NotifyStep references a declared notifier by name and sends it the final
// build summary.
type NotifyStep struct {
	Target string
}
