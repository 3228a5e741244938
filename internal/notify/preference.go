package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// ClockOf returns the wall-clock time of day of t in t's location.
func ClockOf(t time.Time) Clock { return Clock(t.Hour()*60 + t.Minute()) }

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

type QuietHours struct {
	Enabled    bool      `json:"enabled"`
	Start      string    `json:"start"`
	End        string    `json:"end"`
	Timezone   string    `json:"timezone"`
	Exceptions []Trigger `json:"exceptions,omitempty"`
}

// Exempt reports whether t is allowed through quiet hours.
func (q QuietHours) Exempt(t Trigger) bool {
	for _, e := range q.Exceptions {
		if e == t {
			return true
		}
	}
	return false
}

// RatePeriod is the bucket width of a per-(user, trigger) counter.
type RatePeriod string

const (
	PeriodHour RatePeriod = "hour"
	PeriodDay  RatePeriod = "day"
	PeriodWeek RatePeriod = "week"
)

func (p RatePeriod) Valid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek:
		return true
	}
	return false
}

type RateOverride struct {
	Max    int        `json:"max"`
	Period RatePeriod `json:"period,omitempty"`
}

// Preference is a user's notification settings. Missing triggers have every
// channel disabled.
type Preference struct {
	User       string                   `json:"user"`
	Triggers   map[Trigger][]Channel    `json:"triggers"`
	QuietHours QuietHours               `json:"quiet_hours"`
	RateLimits map[Trigger]RateOverride `json:"rate_limits,omitempty"`
	CreatedAt  time.Time                `json:"created_at,omitempty"`
	UpdatedAt  time.Time                `json:"updated_at,omitempty"`
}

// DefaultQuietHours is applied to users who never saved settings.
func DefaultQuietHours() QuietHours {
	return QuietHours{
		Enabled:    true,
		Start:      "22:00",
		End:        "08:00",
		Timezone:   "UTC",
		Exceptions: []Trigger{TriggerPIIRequest, TriggerSuspiciousLogin},
	}
}

// DefaultPreference returns the settings a user gets before saving any.
func DefaultPreference(user string) Preference {
	return Preference{
		User: user,
		Triggers: map[Trigger][]Channel{
			TriggerNewMatch:    {ChannelEmail, ChannelPush},
			TriggerNewMessage:  {ChannelSMS, ChannelPush},
			TriggerPIIRequest:  {ChannelEmail, ChannelSMS},
			TriggerProfileView: {ChannelPush},
		},
		QuietHours: DefaultQuietHours(),
	}
}

// Validate normalizes p in place and rejects unknown triggers, channels,
// malformed clocks or timezones.
func (p *Preference) Validate() error {
	if strings.TrimSpace(p.User) == "" {
		return ErrInvalidRecipient
	}
	for t, chs := range p.Triggers {
		if !t.Known() {
			return fmt.Errorf("%w: %q", ErrUnknownTrigger, t)
		}
		seen := map[Channel]bool{}
		out := chs[:0]
		for _, c := range chs {
			if !c.Valid() {
				return fmt.Errorf("trigger %s: unknown channel %q", t, c)
			}
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
		p.Triggers[t] = out
	}
	q := p.QuietHours
	if q.Enabled {
		if _, err := ParseClock(q.Start); err != nil {
			return fmt.Errorf("quiet_hours.start: %w", err)
		}
		if _, err := ParseClock(q.End); err != nil {
			return fmt.Errorf("quiet_hours.end: %w", err)
		}
	}
	if _, err := LoadLocation(q.Timezone); err != nil {
		return fmt.Errorf("quiet_hours.timezone: %w", err)
	}
	for _, t := range q.Exceptions {
		if !t.Known() {
			return fmt.Errorf("quiet_hours.exceptions: %w: %q", ErrUnknownTrigger, t)
		}
	}
	for t, o := range p.RateLimits {
		if !t.Known() {
			return fmt.Errorf("rate_limits: %w: %q", ErrUnknownTrigger, t)
		}
		if o.Max < 0 {
			return fmt.Errorf("rate_limits.%s: max must be >= 0", t)
		}
		if o.Period != "" && !o.Period.Valid() {
			return fmt.Errorf("rate_limits.%s: unknown period %q", t, o.Period)
		}
	}
	return nil
}
