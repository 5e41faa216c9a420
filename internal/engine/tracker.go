package engine

import (
	"sync"
	"time"

	"github.com/specialistvlad/stagecoach/internal/history"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// branchID identifies one runnable unit: a stage plus the matrix value or
// parallel branch name, empty for plain stages.
type branchID struct {
	Stage  string
	Branch string
}

// String renders the display form used in logs, artifacts paths, and
// notifications: "tests[django]", or just the stage name for plain stages.
func (id branchID) String() string {
	if id.Branch == "" {
		return id.Stage
	}
	return id.Stage + "[" + id.Branch + "]"
}

// StageSnapshot is one unit's state inside a Snapshot.
type StageSnapshot struct {
	Name       string           `json:"name"`
	Branch     string           `json:"branch,omitempty"`
	State      model.StageState `json:"state"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the run, served by the status
// endpoint while stages are still executing.
type Snapshot struct {
	Pipeline  string            `json:"pipeline"`
	BuildID   string            `json:"build_id,omitempty"`
	Build     int               `json:"build,omitempty"`
	Status    model.BuildStatus `json:"status,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Stages    []StageSnapshot   `json:"stages,omitempty"`
}

type trackerEntry struct {
	state     model.StageState
	startedAt time.Time
	duration  time.Duration
	err       error
}

// tracker holds the mutable run state shared between the run loop and the
// status endpoint. Units are registered up front so pending stages are
// visible before they start.
type tracker struct {
	mu        sync.RWMutex
	pipeline  string
	buildID   string
	number    int
	status    model.BuildStatus
	startedAt time.Time
	order     []branchID
	entries   map[branchID]*trackerEntry
}

func newTracker(pipeline string) *tracker {
	return &tracker{
		pipeline: pipeline,
		entries:  make(map[branchID]*trackerEntry),
	}
}

func (t *tracker) begin(buildID string, number int, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buildID = buildID
	t.number = number
	t.status = model.StatusRunning
	t.startedAt = startedAt
}

func (t *tracker) setStatus(status model.BuildStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

func (t *tracker) register(id branchID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return
	}
	t.order = append(t.order, id)
	t.entries[id] = &trackerEntry{state: model.StagePending}
}

// transition moves a unit to the given state. Terminal transitions compute
// the duration from the running transition's timestamp.
func (t *tracker) transition(id branchID, state model.StageState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &trackerEntry{}
		t.order = append(t.order, id)
		t.entries[id] = e
	}
	e.state = state
	e.err = err
	switch state {
	case model.StageRunning:
		e.startedAt = time.Now()
	case model.StageSuccess, model.StageFailed, model.StageAborted:
		if !e.startedAt.IsZero() {
			e.duration = time.Since(e.startedAt)
		}
	}
}

func (t *tracker) state(id branchID) model.StageState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[id]; ok {
		return e.state
	}
	return model.StagePending
}

func (t *tracker) snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		Pipeline:  t.pipeline,
		BuildID:   t.buildID,
		Build:     t.number,
		Status:    t.status,
		StartedAt: t.startedAt,
	}
	for _, id := range t.order {
		e := t.entries[id]
		s := StageSnapshot{
			Name:       id.Stage,
			Branch:     id.Branch,
			State:      e.state,
			DurationMS: e.duration.Milliseconds(),
		}
		if e.err != nil {
			s.Error = e.err.Error()
		}
		snap.Stages = append(snap.Stages, s)
	}
	return snap
}

// results renders the per-unit outcomes in registration order for the
// history record and the final notification payload.
func (t *tracker) results() []history.Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]history.Stage, 0, len(t.order))
	for _, id := range t.order {
		e := t.entries[id]
		s := history.Stage{
			Name:     id.Stage,
			Branch:   id.Branch,
			State:    e.state,
			Duration: e.duration,
		}
		if e.err != nil {
			s.Error = e.err.Error()
		}
		out = append(out, s)
	}
	return out
}
