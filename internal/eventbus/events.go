package eventbus

import "time"

// Event types.
const (
	TaskDispatched    = "task.dispatched"
	TaskAttemptFailed = "task.attempt_failed"
	TaskFinished      = "task.finished"
	TaskSkipped       = "task.skipped"

	StatusFlushed     = "status.flushed"
	StatusFlushFailed = "status.flush_failed"
)

// TaskEvent is the payload of every task.* event. Fields that do not apply
// to an event type are left zero.
type TaskEvent struct {
	TaskID   string
	RunID    string
	Priority int
	Manual   bool

	Attempt  int
	Outcome  string
	Error    string
	Delay    time.Duration // next retry delay (attempt_failed)
	Duration time.Duration // whole run (finished)

	Reason string // skipped: "running" | "due"
}

// FlushEvent is the payload of status.* events.
type FlushEvent struct {
	Tasks    int
	Duration time.Duration
	Error    string
}
