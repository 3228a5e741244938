package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notifyd/internal/app"
	"notifyd/internal/notify"
)

var executionHeaders = []string{"ID", "SCHEDULE", "BY", "STATUS", "STARTED", "FINISHED", "MATCHED", "NOTIFIED", "SKIPPED", "OVER LIMIT", "ERRORS"}

func newExecutionsCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"execution"},
		Short:   "Inspect and prune schedule executions",
	}
	cmd.AddCommand(newExecutionsListCmd(rf))
	cmd.AddCommand(newExecutionsPurgeCmd(rf))
	return cmd
}

func newExecutionsListCmd(rf *rootFlags) *cobra.Command {
	var (
		jsonOutput bool
		scheduleID string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := notify.ExecutionStatus(status)
			switch st {
			case "", notify.ExecutionRunning, notify.ExecutionSuccess, notify.ExecutionFailed:
			default:
				return fmt.Errorf("--status must be running, success or failed, got %q", status)
			}
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				list, err := a.Executions().List(ctx, notify.ExecutionFilter{ScheduleID: scheduleID, Status: st, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return renderJSON(cmd, nonNil(list))
				}
				return renderTable(cmd, executionHeaders, executionRows(list), 3)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "only executions of this schedule")
	cmd.Flags().StringVar(&status, "status", "", "running, success or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newExecutionsPurgeCmd(rf *rootFlags) *cobra.Command {
	var (
		olderThan time.Duration
		before    string
		ids       []string
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished executions by id or age",
		Example: `  notifyd executions purge --older-than 720h
  notifyd executions purge --id 3f0c... --id 9a12...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cutoff time.Time
			switch {
			case before != "":
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				cutoff = t
			case olderThan > 0:
				cutoff = time.Now().Add(-olderThan)
			}
			if (len(ids) == 0) == cutoff.IsZero() {
				return errors.New("exactly one of --id or --older-than/--before is required")
			}
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				var (
					n   int
					err error
				)
				if len(ids) > 0 {
					n, err = a.Executions().DeleteMany(ctx, ids)
				} else {
					n, err = a.Executions().Purge(ctx, cutoff)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d executions\n", n)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete executions started longer ago than this")
	cmd.Flags().StringVar(&before, "before", "", "delete executions started before this RFC3339 time")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "execution id (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("older-than", "before")
	return cmd
}
