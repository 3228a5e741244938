package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/notify"
)

// Five-field crontab plus descriptors (@daily, @every 1h).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", notify.ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// NextDue returns the first due time of s strictly after now, or nil when s
// will not fire again (a one_time schedule that already fired). Calendar
// rules are evaluated in the recurrence timezone.
func NextDue(s notify.Schedule, now time.Time) (*time.Time, error) {
	switch s.Type {
	case notify.ScheduleOneTime:
		if s.LastFiredAt != nil || s.DueAt == nil {
			return nil, nil
		}
		t := s.DueAt.UTC()
		return &t, nil
	case notify.ScheduleRecurring:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", notify.ErrInvalidSchedule, s.Type)
	}

	r := s.Recurrence
	if r == nil {
		return nil, fmt.Errorf("%w: recurring schedule needs recurrence", notify.ErrInvalidSchedule)
	}
	loc, err := notify.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", notify.ErrInvalidSchedule, err)
	}
	local := now.In(loc)

	var next time.Time
	switch r.Frequency {
	case notify.FrequencyCron:
		sched, err := ParseCron(r.Cron)
		if err != nil {
			return nil, err
		}
		next = sched.Next(local)
		if next.IsZero() {
			return nil, nil
		}
	case notify.FrequencyDaily, notify.FrequencyWeekly, notify.FrequencyMonthly:
		tod, err := notify.ParseClock(r.TimeOfDay)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", notify.ErrInvalidSchedule, err)
		}
		switch r.Frequency {
		case notify.FrequencyDaily:
			next = nextDaily(local, tod)
		case notify.FrequencyWeekly:
			next = nextWeekly(local, tod, time.Weekday(r.DayOfWeek))
		default:
			next = nextMonthly(local, tod, r.DayOfMonth)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frequency %q", notify.ErrInvalidSchedule, r.Frequency)
	}
	next = next.UTC()
	return &next, nil
}

func at(day time.Time, tod notify.Clock) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, day.Location())
}

func nextDaily(now time.Time, tod notify.Clock) time.Time {
	t := at(now, tod)
	if !t.After(now) {
		t = at(now.AddDate(0, 0, 1), tod)
	}
	return t
}

func nextWeekly(now time.Time, tod notify.Clock, wd time.Weekday) time.Time {
	for i := 0; ; i++ {
		day := now.AddDate(0, 0, i)
		if day.Weekday() != wd {
			continue
		}
		if t := at(day, tod); t.After(now) {
			return t
		}
	}
}

// nextMonthly clamps dom to the month length (31 means the last day).
func nextMonthly(now time.Time, tod notify.Clock, dom int) time.Time {
	for i := 0; ; i++ {
		first := time.Date(now.Year(), now.Month()+time.Month(i), 1, 0, 0, 0, 0, now.Location())
		day := time.Date(first.Year(), first.Month(), min(dom, daysIn(first)), 0, 0, 0, 0, now.Location())
		if t := at(day, tod); t.After(now) {
			return t
		}
	}
}

func daysIn(first time.Time) int {
	return first.AddDate(0, 1, -1).Day()
}
