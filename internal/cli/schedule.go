package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"notifyd/internal/app"
	"notifyd/internal/notify"
)

var scheduleHeaders = []string{"ID", "NAME", "TYPE", "TRIGGER", "SELECTOR", "ENABLED", "NEXT DUE", "LAST FIRED"}

func newScheduleCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules"},
		Short:   "Manage notification schedules",
	}
	cmd.AddCommand(newScheduleListCmd(rf))
	cmd.AddCommand(newScheduleCreateCmd(rf))
	cmd.AddCommand(newScheduleToggleCmd(rf, true))
	cmd.AddCommand(newScheduleToggleCmd(rf, false))
	cmd.AddCommand(newScheduleDeleteCmd(rf))
	cmd.AddCommand(newScheduleRunCmd(rf))
	return cmd
}

func newScheduleListCmd(rf *rootFlags) *cobra.Command {
	var (
		jsonOutput bool
		owner      string
		enabled    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := notify.ScheduleFilter{Owner: owner}
			switch strings.ToLower(enabled) {
			case "":
			case "true", "yes":
				b := true
				f.Enabled = &b
			case "false", "no":
				b := false
				f.Enabled = &b
			default:
				return fmt.Errorf("--enabled must be true or false, got %q", enabled)
			}
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				list, err := a.Scheduler().List(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput {
					return renderJSON(cmd, nonNil(list))
				}
				return renderTable(cmd, scheduleHeaders, scheduleRows(list), 5)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&owner, "owner", "", "only schedules of this owner")
	cmd.Flags().StringVar(&enabled, "enabled", "", "filter by enabled state (true|false)")
	return cmd
}

type scheduleFlags struct {
	name          string
	typ           string
	trigger       string
	selector      string
	params        map[string]string
	frequency     string
	timeOfDay     string
	dayOfWeek     int
	dayOfMonth    int
	timezone      string
	cronExpr      string
	dueAt         string
	maxRecipients int
	owner         string
	disabled      bool
	jsonOutput    bool
}

func (f scheduleFlags) schedule() (notify.Schedule, error) {
	trigger, err := notify.ParseTrigger(f.trigger)
	if err != nil {
		return notify.Schedule{}, err
	}
	sc := notify.Schedule{
		Name:          f.name,
		Type:          notify.ScheduleType(f.typ),
		Trigger:       trigger,
		Selector:      notify.Selector{Name: f.selector, Params: f.params},
		MaxRecipients: f.maxRecipients,
		Enabled:       !f.disabled,
		Owner:         f.owner,
	}
	switch sc.Type {
	case notify.ScheduleOneTime:
		due, err := time.Parse(time.RFC3339, f.dueAt)
		if err != nil {
			return notify.Schedule{}, fmt.Errorf("--due-at: %w", err)
		}
		sc.DueAt = &due
	case notify.ScheduleRecurring:
		sc.Recurrence = &notify.Recurrence{
			Frequency:  notify.Frequency(f.frequency),
			DayOfWeek:  f.dayOfWeek,
			DayOfMonth: f.dayOfMonth,
			TimeOfDay:  f.timeOfDay,
			Timezone:   f.timezone,
			Cron:       f.cronExpr,
		}
	}
	return sc, nil
}

func newScheduleCreateCmd(rf *rootFlags) *cobra.Command {
	var sf scheduleFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Example: `  notifyd schedule create --name weekly-digest --trigger weekly_digest \
    --selector active_users --frequency weekly --day-of-week 1 --time 09:00 --timezone Europe/Berlin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := sf.schedule()
			if err != nil {
				return err
			}
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				out, err := a.Scheduler().Create(ctx, sc)
				if err != nil {
					return err
				}
				if sf.jsonOutput {
					return renderJSON(cmd, out)
				}
				return renderTable(cmd, scheduleHeaders, scheduleRows([]notify.Schedule{out}), 5)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&sf.name, "name", "", "schedule name")
	fl.StringVar(&sf.typ, "type", string(notify.ScheduleRecurring), "one_time or recurring")
	fl.StringVar(&sf.trigger, "trigger", "", "trigger raised for each recipient")
	fl.StringVar(&sf.selector, "selector", "", "recipient selector name")
	fl.StringToStringVar(&sf.params, "param", nil, "selector parameter key=value (repeatable)")
	fl.StringVar(&sf.frequency, "frequency", string(notify.FrequencyDaily), "daily, weekly, monthly or cron")
	fl.StringVar(&sf.timeOfDay, "time", "", "time of day HH:MM")
	fl.IntVar(&sf.dayOfWeek, "day-of-week", 0, "0=Sunday .. 6=Saturday (weekly)")
	fl.IntVar(&sf.dayOfMonth, "day-of-month", 0, "1..31, clamped to month length (monthly)")
	fl.StringVar(&sf.timezone, "timezone", "UTC", "IANA timezone")
	fl.StringVar(&sf.cronExpr, "cron", "", "cron expression (frequency=cron)")
	fl.StringVar(&sf.dueAt, "due-at", "", "RFC3339 due time (one_time)")
	fl.IntVar(&sf.maxRecipients, "max-recipients", 0, "cap on recipients per run; 0 means no cap")
	fl.StringVar(&sf.owner, "owner", "", "owner recorded on the schedule")
	fl.BoolVar(&sf.disabled, "disabled", false, "create disabled")
	fl.BoolVar(&sf.jsonOutput, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

func newScheduleToggleCmd(rf *rootFlags, enable bool) *cobra.Command {
	use, short := "disable <id>", "Stop future firings of a schedule"
	if enable {
		use, short = "enable <id>", "Resume a schedule from now"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				var (
					sc  notify.Schedule
					err error
				)
				if enable {
					sc, err = a.Scheduler().Enable(ctx, args[0])
				} else {
					sc, err = a.Scheduler().Disable(ctx, args[0])
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t next_due=%s\n", sc.ID, sc.Enabled, fmtTime(sc.NextDueAt))
				return err
			})
		},
	}
}

func newScheduleDeleteCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				if err := a.Scheduler().Delete(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return err
			})
		},
	}
}

func newScheduleRunCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a schedule now as a manual execution",
		Long:  "Fire a schedule now as a manual execution. Jobs are written to the database; a running server delivers them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rf, func(ctx context.Context, a *app.App) error {
				execID, runErr := a.Scheduler().RunNow(ctx, args[0])
				if execID == "" {
					return runErr
				}
				// Persist the buffered jobs before the app is released.
				if err := a.Queue().Flush(ctx); err != nil {
					return err
				}
				e, err := a.Executions().Get(ctx, execID)
				if err != nil {
					return err
				}
				if err := renderTable(cmd, executionHeaders, executionRows([]notify.Execution{e}), 3); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
