// Package cli is the notifyd command line: the long-running server and
// one-shot admin commands that act on the same database.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"notifyd/internal/app"
)

var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	config string
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	cmd := &cobra.Command{
		Use:           "notifyd",
		Short:         "Notification orchestration and presence service",
		Long:          "notifyd decides whether, when and through which channel to notify a user, runs scheduled notification batches and tracks who is online.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&rf.config, "config", "c", "", "path to config (json or yaml); empty uses built-in defaults")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&rf))
	cmd.AddCommand(newScheduleCmd(&rf))
	cmd.AddCommand(newExecutionsCmd(&rf))
	cmd.AddCommand(newJobsCmd(&rf))
	cmd.AddCommand(newTokenCmd(&rf))
	return cmd
}

// NewRootCmdForTest returns the root command for testing.
func NewRootCmdForTest() *cobra.Command {
	return newRootCmd()
}

func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "notifyd %s (%s)\n", version, commit)
			return err
		},
	}
}

// withApp builds the components without starting their loops, runs fn and
// releases the stores.
func withApp(cmd *cobra.Command, rf *rootFlags, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(rf.config, app.WithLogLevel("error"))
	if err != nil {
		return fmt.Errorf("loading app: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, a)
	if err := a.Stop(context.Background(), app.StopCommand); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func renderJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
