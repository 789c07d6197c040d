// Command cronward runs and inspects the recurring-task scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	// Task timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cronward/internal/task"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

type rootOpts struct {
	configPath string
	json       bool
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(exitCode(err))
	}
}

func rootCmd() *cobra.Command {
	o := &rootOpts{}
	root := &cobra.Command{
		Use:           "cronward",
		Short:         "Recurring task scheduler with retries and durable status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", defaultConfigPath(), "config file (YAML or JSON)")
	root.PersistentFlags().BoolVar(&o.json, "json", false, "print JSON instead of tables")

	root.AddCommand(
		runCmd(o),
		validateCmd(o),
		initCmd(o),
		listCmd(o),
		statusCmd(o),
		historyCmd(o),
		toggleCmd(o, true),
		toggleCmd(o, false),
		triggerCmd(o),
		versionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("CRONWARD_CONFIG"); p != "" {
		return p
	}
	return "./cronward.yaml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cronward %s (commit %s)\n", version, commit)
		},
	}
}

// exitCode: 2 for config problems, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, task.ErrConfig) || errors.Is(err, task.ErrInvalidExpression) {
		return 2
	}
	return 1
}
