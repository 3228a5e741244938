package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"notifyd/internal/notify"
)

var (
	accent  = lipgloss.Color("#D97706")
	dim     = lipgloss.Color("#6B7280")
	danger  = lipgloss.Color("#EF4444")
	success = lipgloss.Color("#22C55E")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// renderTable writes rows under headers. statusCol (or -1) is colored by
// value.
func renderTable(cmd *cobra.Command, headers []string, rows [][]string, statusCol int) error {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(dim)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return cellStyle.Foreground(statusColor(rows[row][col]))
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return err
}

func statusColor(s string) lipgloss.Color {
	switch s {
	case string(notify.ExecutionFailed), "no":
		return danger
	case string(notify.ExecutionSuccess), string(notify.JobSent), "yes":
		return success
	}
	return dim
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func scheduleRows(list []notify.Schedule) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			s.ID, s.Name, string(s.Type), string(s.Trigger), s.Selector.Name,
			yesNo(s.Enabled), fmtTime(s.NextDueAt), fmtTime(s.LastFiredAt),
		})
	}
	return rows
}

func executionRows(list []notify.Execution) [][]string {
	rows := make([][]string, 0, len(list))
	for _, e := range list {
		started := e.StartedAt
		c := e.Counters
		rows = append(rows, []string{
			e.ID, e.ScheduleID, string(e.TriggeredBy), string(e.Status),
			fmtTime(&started), fmtTime(e.FinishedAt),
			strconv.Itoa(c.Matched), strconv.Itoa(c.Notified), strconv.Itoa(c.Skipped),
			strconv.Itoa(c.SkippedOverLimit), strconv.Itoa(c.Errors),
		})
	}
	return rows
}

func jobRows(list []notify.Job) [][]string {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		updated := j.UpdatedAt
		rows = append(rows, []string{
			j.ID, j.Recipient, string(j.Trigger), string(j.Channel), string(j.Status),
			strconv.Itoa(j.AttemptCount), j.LastError, fmtTime(&updated),
		})
	}
	return rows
}
