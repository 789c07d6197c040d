package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cronward/internal/app"
	"cronward/internal/config"
	"cronward/internal/jobs"
	logx "cronward/pkg/logx"
)

func runCmd(o *rootOpts) *cobra.Command {
	var drain time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, o.configPath, app.WithDrainTimeout(drain))
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "how long shutdown waits for running tasks before cancelling them")
	return cmd
}

func loadConfig(o *rootOpts) (*app.Loaded, error) {
	return app.Load(o.configPath, jobs.NewCatalog(logx.Nop()))
}

func validateCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file, task definitions included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			on := 0
			for _, e := range l.Registry.List() {
				if e.Enabled {
					on++
				}
			}
			success(cmd.OutOrStdout(), "%s: OK (%d tasks, %d enabled, status driver %s)",
				o.configPath, l.Registry.Len(), on, l.Settings.Status.Driver)
			return nil
		},
	}
}

func initCmd(o *rootOpts) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(o.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", o.configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			b, err := config.EncodeYAML(config.Example())
			if err != nil {
				return err
			}
			if dir := filepath.Dir(o.configPath); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(o.configPath, b, 0o644); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "wrote %s", o.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

type taskRow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Cron        string    `json:"cronExpression"`
	Timezone    string    `json:"timezone"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Handler     string    `json:"handler"`
	NextTrigger time.Time `json:"nextTrigger,omitzero"`
}

func listCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured tasks in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			now := time.Now()
			rows := make([]taskRow, 0, l.Registry.Len())
			for _, e := range l.Registry.List() {
				r := taskRow{
					ID: e.ID, Name: e.Name, Cron: e.CronExpression, Timezone: e.Schedule.Location().String(),
					Priority: e.Priority, Enabled: e.Enabled, Handler: e.HandlerRef,
				}
				if e.Enabled {
					r.NextTrigger = e.Schedule.Next(now)
				}
				rows = append(rows, r)
			}

			w := cmd.OutOrStdout()
			if o.json {
				return printJSON(w, rows)
			}
			if len(rows) == 0 {
				warn(w, "no tasks configured")
				return nil
			}
			t := newTable("ID", "NAME", "CRON", "TZ", "PRIO", "ENABLED", "HANDLER", "NEXT")
			for _, r := range rows {
				next := "-"
				if !r.NextTrigger.IsZero() {
					next = r.NextTrigger.Format("2006-01-02 15:04 MST") + " (" + when(r.NextTrigger, now) + ")"
				}
				t.addRow(r.ID, truncate(r.Name, 30), r.Cron, r.Timezone, strconv.Itoa(r.Priority),
					enabled(r.Enabled), truncate(r.Handler, 40), next)
			}
			t.render(w)
			return nil
		},
	}
}
