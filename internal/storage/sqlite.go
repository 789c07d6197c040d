package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// statusRow is the task_status table layout. Instants are unix nanoseconds,
// 0 for the zero time.
type statusRow struct {
	TaskID              string `db:"task_id"`
	RunID               string `db:"run_id"`
	LastRunAt           int64  `db:"last_run_at"`
	LastOutcome         string `db:"last_outcome"`
	ConsecutiveFailures int    `db:"consecutive_failures"`
	NextScheduledAt     int64  `db:"next_scheduled_at"`
	LastSuccessAt       int64  `db:"last_success_at"`
	LastFailureAt       int64  `db:"last_failure_at"`
	LastError           string `db:"last_error"`
	LastAttempts        int    `db:"last_attempts"`
	LastDurationNS      int64  `db:"last_duration_ns"`
}

type runRow struct {
	RunID      string         `db:"run_id"`
	TaskID     string         `db:"task_id"`
	StartedAt  int64          `db:"started_at"`
	FinishedAt int64          `db:"finished_at"`
	Attempts   int            `db:"attempts"`
	Outcome    string         `db:"outcome"`
	DurationNS int64          `db:"duration_ns"`
	Message    sql.NullString `db:"message"`
	Err        sql.NullString `db:"err"`
	Manual     bool           `db:"manual"`
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadStatus(ctx context.Context) (map[string]task.Status, error) {
	var rows []statusRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM task_status`); err != nil {
		return nil, err
	}
	out := make(map[string]task.Status, len(rows))
	for _, r := range rows {
		out[r.TaskID] = task.Status{
			TaskID:              r.TaskID,
			RunID:               r.RunID,
			LastRunAt:           fromNanos(r.LastRunAt),
			LastOutcome:         task.Outcome(r.LastOutcome),
			ConsecutiveFailures: r.ConsecutiveFailures,
			NextScheduledAt:     fromNanos(r.NextScheduledAt),
			LastSuccessAt:       fromNanos(r.LastSuccessAt),
			LastFailureAt:       fromNanos(r.LastFailureAt),
			LastError:           r.LastError,
			LastAttempts:        r.LastAttempts,
			LastDuration:        time.Duration(r.LastDurationNS),
		}
	}
	return out, nil
}

// SaveStatus replaces the whole table in one transaction.
func (s *sqliteStore) SaveStatus(ctx context.Context, table map[string]task.Status) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_status`); err != nil {
		return err
	}
	const q = `INSERT INTO task_status
		(task_id, run_id, last_run_at, last_outcome, consecutive_failures, next_scheduled_at,
		 last_success_at, last_failure_at, last_error, last_attempts, last_duration_ns)
		VALUES (:task_id, :run_id, :last_run_at, :last_outcome, :consecutive_failures, :next_scheduled_at,
		 :last_success_at, :last_failure_at, :last_error, :last_attempts, :last_duration_ns)`
	for id, st := range table {
		row := statusRow{
			TaskID:              id,
			RunID:               st.RunID,
			LastRunAt:           toNanos(st.LastRunAt),
			LastOutcome:         string(st.LastOutcome),
			ConsecutiveFailures: st.ConsecutiveFailures,
			NextScheduledAt:     toNanos(st.NextScheduledAt),
			LastSuccessAt:       toNanos(st.LastSuccessAt),
			LastFailureAt:       toNanos(st.LastFailureAt),
			LastError:           st.LastError,
			LastAttempts:        st.LastAttempts,
			LastDurationNS:      int64(st.LastDuration),
		}
		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return fmt.Errorf("insert status %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r task.RunRecord) error {
	row := runRow{
		RunID:      r.RunID,
		TaskID:     r.TaskID,
		StartedAt:  toNanos(r.StartedAt),
		FinishedAt: toNanos(r.FinishedAt),
		Attempts:   r.Attempts,
		Outcome:    string(r.Outcome),
		DurationNS: int64(r.Duration),
		Message:    nullStr(r.Message),
		Err:        nullStr(r.Error),
		Manual:     r.Manual,
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO task_runs
		 (run_id, task_id, started_at, finished_at, attempts, outcome, duration_ns, message, err, manual)
		 VALUES (:run_id, :task_id, :started_at, :finished_at, :attempts, :outcome, :duration_ns, :message, :err, :manual)`,
		row)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]task.RunRecord, error) {
	q := `SELECT * FROM task_runs`
	var args []any
	if f.TaskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, f.TaskID)
	}
	q += ` ORDER BY finished_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]task.RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, task.RunRecord{
			RunID:      r.RunID,
			TaskID:     r.TaskID,
			StartedAt:  fromNanos(r.StartedAt),
			FinishedAt: fromNanos(r.FinishedAt),
			Attempts:   r.Attempts,
			Outcome:    task.Outcome(r.Outcome),
			Duration:   time.Duration(r.DurationNS),
			Message:    r.Message.String,
			Error:      r.Err.String,
			Manual:     r.Manual,
		})
	}
	return out, nil
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE finished_at < ?`, toNanos(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
