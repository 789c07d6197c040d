// Package task holds the data model shared by the scheduler components:
// task definitions, handler contract, per-attempt executions and the
// persisted per-task status.
package task

import (
	"context"
	"time"
)

// Result is what a handler reports when it returns normally.
type Result struct {
	Success bool
	Message string
}

// Handler is an external job. Execute must honor ctx cancellation; the runner
// still bounds it with a timeout if it doesn't.
type Handler interface {
	Execute(ctx context.Context) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetrySpec is the static retry configuration attached to a task (or the global default).
type RetrySpec struct {
	MaxRetries int
	BaseDelay  time.Duration
	Backoff    BackoffKind
	MaxDelay   time.Duration // 0 = uncapped
}

// Task is a configured recurring job. Everything except Enabled is fixed for
// the lifetime of a registry; a config reload builds a new registry.
type Task struct {
	ID          string
	Name        string
	Description string

	CronExpression string
	Timezone       string

	Priority int
	Enabled  bool

	HandlerRef string
	Handler    Handler

	Timeout time.Duration
	Retry   RetrySpec
}

// Less orders tasks by priority (lower first), then id.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Execution describes one attempt of a task run. The runner returns the
// execution of the final attempt; earlier attempts are only logged/published.
type Execution struct {
	RunID      string
	TaskID     string
	Attempt    int
	StartedAt  time.Time // start of the first attempt of the run
	FinishedAt time.Time
	Outcome    Outcome
	Message    string
	Error      string
	Manual     bool
}

func (e Execution) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Status is the persisted last-known state of a task.
type Status struct {
	TaskID              string        `json:"taskId"`
	RunID               string        `json:"runId,omitempty"`
	LastRunAt           time.Time     `json:"lastRunAt"`
	LastOutcome         Outcome       `json:"lastOutcome"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	NextScheduledAt     time.Time     `json:"nextScheduledAt"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt,omitzero"`
	LastFailureAt       time.Time     `json:"lastFailureAt,omitzero"`
	LastError           string        `json:"lastError,omitempty"`
	LastAttempts        int           `json:"lastAttempts"`
	LastDuration        time.Duration `json:"lastDuration"`
}

// Apply folds a completed execution into the status.
// ConsecutiveFailures counts failed runs, not failed attempts.
func (s Status) Apply(e Execution, next time.Time) Status {
	s.TaskID = e.TaskID
	s.RunID = e.RunID
	s.LastRunAt = e.StartedAt
	s.LastOutcome = e.Outcome
	s.LastAttempts = e.Attempt
	s.LastDuration = e.Duration()
	s.NextScheduledAt = next
	if e.Outcome == OutcomeSuccess {
		s.ConsecutiveFailures = 0
		s.LastSuccessAt = e.FinishedAt
		s.LastError = ""
	} else {
		s.ConsecutiveFailures++
		s.LastFailureAt = e.FinishedAt
		s.LastError = e.Error
	}
	return s
}

// RunRecord is one line of run history.
type RunRecord struct {
	RunID      string        `json:"runId"`
	TaskID     string        `json:"taskId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Attempts   int           `json:"attempts"`
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Manual     bool          `json:"manual,omitempty"`
}

func RecordOf(e Execution) RunRecord {
	return RunRecord{
		RunID:      e.RunID,
		TaskID:     e.TaskID,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		Attempts:   e.Attempt,
		Outcome:    e.Outcome,
		Duration:   e.Duration(),
		Message:    e.Message,
		Error:      e.Error,
		Manual:     e.Manual,
	}
}
