package main

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cronward/internal/app"
	"cronward/internal/storage"
	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

// openBackend opens the status backend read-side. The daemon may hold the
// same store; both the file and sqlite backends tolerate a concurrent reader.
func openBackend(ctx context.Context, l *app.Loaded) (storage.Store, error) {
	return app.OpenBackend(ctx, l.Settings, logx.Nop())
}

type statusRow struct {
	task.Status
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Known   bool   `json:"configured"`
}

func statusCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the last persisted status of each task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openBackend(ctx, l)
			if err != nil {
				return err
			}
			defer st.Close()
			table, err := st.LoadStatus(ctx)
			if err != nil {
				return err
			}

			now := time.Now()
			var rows []statusRow
			seen := map[string]bool{}
			for _, e := range l.Registry.List() {
				seen[e.ID] = true
				s, ok := table[e.ID]
				if !ok {
					s = task.Status{TaskID: e.ID}
				}
				if s.NextScheduledAt.IsZero() && e.Enabled {
					s.NextScheduledAt = e.Schedule.Next(now)
				}
				rows = append(rows, statusRow{Status: s, Name: e.Name, Enabled: e.Enabled, Known: true})
			}
			// Entries for tasks since removed from the config.
			var orphans []string
			for id := range table {
				if !seen[id] {
					orphans = append(orphans, id)
				}
			}
			sort.Strings(orphans)
			for _, id := range orphans {
				rows = append(rows, statusRow{Status: table[id]})
			}
			if len(args) == 1 {
				rows = filterRows(rows, args[0])
				if len(rows) == 0 {
					return task.ErrUnknownTask
				}
			}

			w := cmd.OutOrStdout()
			if o.json {
				return printJSON(w, rows)
			}
			t := newTable("ID", "ENABLED", "LAST RUN", "OUTCOME", "FAILS", "ATTEMPTS", "DURATION", "NEXT", "LAST ERROR")
			for _, r := range rows {
				en := enabled(r.Enabled)
				if !r.Known {
					en = "removed"
				}
				t.addRow(r.TaskID, en, when(r.LastRunAt, now), outcome(r.LastOutcome),
					strconv.Itoa(r.ConsecutiveFailures), strconv.Itoa(r.LastAttempts), dur(r.LastDuration),
					when(r.NextScheduledAt, now), truncate(r.LastError, 50))
			}
			t.render(w)
			return nil
		},
	}
}

func filterRows(rows []statusRow, id string) []statusRow {
	for _, r := range rows {
		if r.TaskID == id {
			return []statusRow{r}
		}
	}
	return nil
}

func historyCmd(o *rootOpts) *cobra.Command {
	var (
		taskID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openBackend(ctx, l)
			if err != nil {
				return err
			}
			defer st.Close()
			runs, err := st.ListRuns(ctx, storage.RunFilter{TaskID: taskID, Limit: limit})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if o.json {
				if runs == nil {
					runs = []task.RunRecord{}
				}
				return printJSON(w, runs)
			}
			if len(runs) == 0 {
				warn(w, "no runs recorded")
				return nil
			}
			now := time.Now()
			t := newTable("RUN", "TASK", "STARTED", "DURATION", "ATTEMPTS", "OUTCOME", "MANUAL", "DETAIL")
			for _, r := range runs {
				detail := r.Error
				if detail == "" {
					detail = r.Message
				}
				manual := ""
				if r.Manual {
					manual = "yes"
				}
				t.addRow(shortID(r.RunID), r.TaskID, when(r.StartedAt, now), dur(r.Duration),
					strconv.Itoa(r.Attempts), outcome(r.Outcome), manual, truncate(detail, 60))
			}
			t.render(w)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "only runs of this task")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 = all)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
