package model

import "time"

// Notifier types accepted in a `notifier` block.
const (
	NotifierWebhook  = "webhook"
	NotifierSocketIO = "socketio"
)

// DefaultNotifyTimeout bounds a single delivery attempt.
const DefaultNotifyTimeout = 10 * time.Second

// Notifier is a named notification sink declared in the pipeline. Post
// `notify` steps reference it by name; a notifier with Live set also
// receives stage-transition events while the run is in flight.
type Notifier struct {
	Name string
	Type string
	URL  string

	// Event pins the socketio emit event name for every payload; empty
	// emits under the payload kind ("stage" or "build").
	Event string

	Timeout time.Duration
	Retries int
	Live    bool
}
