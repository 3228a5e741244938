package notify

import (
	"fmt"
	"strings"
	"time"
)

type ScheduleType string

const (
	ScheduleOneTime   ScheduleType = "one_time"
	ScheduleRecurring ScheduleType = "recurring"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

type Recurrence struct {
	Frequency  Frequency `json:"frequency"`
	DayOfWeek  int       `json:"day_of_week,omitempty"`  // 0=Sunday
	DayOfMonth int       `json:"day_of_month,omitempty"` // 1..31, clamped to month length
	TimeOfDay  string    `json:"time_of_day,omitempty"`
	Timezone   string    `json:"timezone,omitempty"`
	Cron       string    `json:"cron,omitempty"`
}

// Selector names a recipient query and its parameters.
type Selector struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type Schedule struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          ScheduleType `json:"type"`
	Recurrence    *Recurrence  `json:"recurrence,omitempty"`
	DueAt         *time.Time   `json:"due_at,omitempty"`
	Trigger       Trigger      `json:"trigger"`
	Selector      Selector     `json:"selector"`
	MaxRecipients int          `json:"max_recipients"`
	Enabled       bool         `json:"enabled"`
	Owner         string       `json:"owner,omitempty"`
	NextDueAt     *time.Time   `json:"next_due_at,omitempty"`
	LastFiredAt   *time.Time   `json:"last_fired_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Validate checks the static shape of s. Cron expressions are checked by the
// scheduler, which owns the parser.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if !s.Trigger.Known() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidSchedule, ErrUnknownTrigger, s.Trigger)
	}
	if strings.TrimSpace(s.Selector.Name) == "" {
		return fmt.Errorf("%w: selector is required", ErrInvalidSchedule)
	}
	if s.MaxRecipients < 0 {
		return fmt.Errorf("%w: max_recipients must be >= 0", ErrInvalidSchedule)
	}
	switch s.Type {
	case ScheduleOneTime:
		if s.DueAt == nil || s.DueAt.IsZero() {
			return fmt.Errorf("%w: one_time schedule needs due_at", ErrInvalidSchedule)
		}
	case ScheduleRecurring:
		r := s.Recurrence
		if r == nil {
			return fmt.Errorf("%w: recurring schedule needs recurrence", ErrInvalidSchedule)
		}
		if _, err := LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		switch r.Frequency {
		case FrequencyCron:
			if strings.TrimSpace(r.Cron) == "" {
				return fmt.Errorf("%w: cron frequency needs cron", ErrInvalidSchedule)
			}
		case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
			if _, err := ParseClock(r.TimeOfDay); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
			}
			if r.Frequency == FrequencyWeekly && (r.DayOfWeek < 0 || r.DayOfWeek > 6) {
				return fmt.Errorf("%w: day_of_week must be 0..6", ErrInvalidSchedule)
			}
			if r.Frequency == FrequencyMonthly && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
				return fmt.Errorf("%w: day_of_month must be 1..31", ErrInvalidSchedule)
			}
		default:
			return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, r.Frequency)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
	return nil
}

type ScheduleFilter struct {
	Enabled *bool
	Owner   string
}

type TriggeredBy string

const (
	TriggeredByScheduler TriggeredBy = "scheduler"
	TriggeredByManual    TriggeredBy = "manual"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Counter names an execution counter column.
type Counter string

const (
	CounterChecked          Counter = "checked"
	CounterMatched          Counter = "matched"
	CounterNotified         Counter = "notified"
	CounterSkipped          Counter = "skipped"
	CounterSkippedOverLimit Counter = "skipped_over_limit"
	CounterErrors           Counter = "errors"
)

type Counters struct {
	Checked          int `json:"checked"`
	Matched          int `json:"matched"`
	Notified         int `json:"notified"`
	Skipped          int `json:"skipped"`
	SkippedOverLimit int `json:"skipped_over_limit"`
	Errors           int `json:"errors"`
}

type Execution struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"schedule_id"`
	TriggeredBy TriggeredBy     `json:"triggered_by"`
	Status      ExecutionStatus `json:"status"`
	Counters    Counters        `json:"counters"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type ExecutionFilter struct {
	ScheduleID string
	Status     ExecutionStatus
	Limit      int
}
