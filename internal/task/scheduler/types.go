package scheduler

import (
	"context"
	"errors"
	"time"

	"cronward/internal/eventbus"
	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

// State is the per-task position in the dispatch state machine.
type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

// Runner executes one logical run (see package engine).
type Runner interface {
	Run(ctx context.Context, t task.Task, manual bool) task.Execution
}

// StatusStore is the part of the status store the loop writes to.
type StatusStore interface {
	Get(id string) (task.Status, bool)
	Record(ctx context.Context, e task.Execution, next time.Time) task.Status
	SetNext(id string, next time.Time)
}

type Options struct {
	TickInterval time.Duration

	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time
}

// TaskInfo is one row of Snapshot.
type TaskInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Cron        string        `json:"cronExpression"`
	Timezone    string        `json:"timezone"`
	Priority    int           `json:"priority"`
	Enabled     bool          `json:"enabled"`
	Handler     string        `json:"handler"`
	Timeout     time.Duration `json:"timeout"`
	State       State         `json:"state"`
	Next        time.Time     `json:"nextTrigger,omitzero"`
	Status      *task.Status  `json:"status,omitempty"`
}

type Snapshot struct {
	At           time.Time     `json:"at"`
	TickInterval time.Duration `json:"tickInterval"`
	LastChecked  time.Time     `json:"lastChecked,omitzero"`
	Running      int           `json:"running"`
	Tasks        []TaskInfo    `json:"tasks"`
}
