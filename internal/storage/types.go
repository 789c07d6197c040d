package storage

import (
	"context"
	"errors"
	"time"

	"cronward/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": snapshot at Path, history next to it (<prefix>.runs.jsonl)
//   - "sqlite": SQLite database file at Path
//   - "redis": keys under RedisKey on the server at RedisURL
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisURL    string
	RedisKey    string
}

// Store is the persistence API used by the status store and the CLI.
type Store interface {
	// LoadStatus returns the last saved snapshot. A backend that has never
	// been saved to returns an empty map and no error.
	LoadStatus(ctx context.Context) (map[string]task.Status, error)
	// SaveStatus atomically replaces the snapshot.
	SaveStatus(ctx context.Context, table map[string]task.Status) error

	AppendRun(ctx context.Context, r task.RunRecord) error
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]task.RunRecord, error)
	// PruneRuns deletes runs that finished before the cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// RunFilter narrows ListRuns. Zero values mean "all".
type RunFilter struct {
	TaskID string
	Limit  int
}

func (f RunFilter) match(r task.RunRecord) bool {
	return f.TaskID == "" || r.TaskID == f.TaskID
}
