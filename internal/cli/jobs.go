package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notifyd/internal/admin"
	"notifyd/internal/app"
	"notifyd/internal/config"
)

var jobHeaders = []string{"ID", "RECIPIENT", "TRIGGER", "CHANNEL", "STATUS", "ATTEMPTS", "LAST ERROR", "UPDATED"}

func newJobsCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and requeue notification jobs",
	}

	var (
		jsonOutput bool
		limit      int
	)
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List terminally failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				list, err := a.Queue().Failed(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return renderJSON(cmd, nonNil(list))
				}
				return renderTable(cmd, jobHeaders, jobRows(list), 4)
			})
		},
	}
	failed.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	failed.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	retry := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Put failed jobs back to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					if err := a.Queue().Retry(ctx, id); err != nil {
						return err
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(failed, retry)
	return cmd
}

func newTokenCmd(rf *rootFlags) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long:  "Issue an HS256 bearer token signed with admin.jwt_secret from the config, or --secret.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := secret
			if key == "" {
				cfg, err := config.NewManager(rf.config).Load()
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				key = cfg.Admin.JWTSecret
			}
			if key == "" {
				return fmt.Errorf("no secret: set admin.jwt_secret or pass --secret")
			}
			tok, err := admin.GenerateToken(key, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, recorded as schedule owner")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (overrides config)")
	return cmd
}
