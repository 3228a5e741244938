// Package preference reads user notification settings and answers the two
// questions a dispatch asks of them: which channels are enabled for a trigger,
// and whether the user is inside quiet hours right now.
package preference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

// Repository is the durable side of preferences.
type Repository interface {
	GetPreference(ctx context.Context, user string) (notify.Preference, bool, error)
	PutPreference(ctx context.Context, p notify.Preference) error
}

// Resolution is the snapshot of a user's settings used by one dispatch.
type Resolution struct {
	User       string
	Trigger    notify.Trigger
	Channels   []notify.Channel
	QuietHours notify.QuietHours
	Location   *time.Location
	RateLimit  *notify.RateOverride
	Stored     bool
}

type Resolver struct {
	repo Repository
	log  logx.Logger
}

func New(repo Repository, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{repo: repo, log: log.With(logx.Component("preference"))}
}

// Get returns the stored settings of user, or the defaults when none were
// saved. Reading never creates a row.
func (r *Resolver) Get(ctx context.Context, user string) (notify.Preference, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return notify.Preference{}, notify.ErrInvalidRecipient
	}
	p, ok, err := r.repo.GetPreference(ctx, user)
	if err != nil {
		return notify.Preference{}, err
	}
	if !ok {
		return notify.DefaultPreference(user), nil
	}
	if p.Triggers == nil {
		p.Triggers = map[notify.Trigger][]notify.Channel{}
	}
	return p, nil
}

// Put validates and stores p.
func (r *Resolver) Put(ctx context.Context, p notify.Preference) error {
	p.User = strings.TrimSpace(p.User)
	if p.Triggers == nil {
		p.Triggers = map[notify.Trigger][]notify.Channel{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := r.repo.PutPreference(ctx, p); err != nil {
		return err
	}
	r.log.Debug("preferences saved", logx.String("user", p.User))
	return nil
}

// Resolve reads the user's settings once and returns everything a dispatch
// for trigger needs.
func (r *Resolver) Resolve(ctx context.Context, user string, trigger notify.Trigger) (Resolution, error) {
	if !trigger.Known() {
		return Resolution{}, fmt.Errorf("%w: %q", notify.ErrUnknownTrigger, trigger)
	}
	p, err := r.Get(ctx, user)
	if err != nil {
		return Resolution{}, err
	}
	loc, err := notify.LoadLocation(p.QuietHours.Timezone)
	if err != nil {
		// Stored settings are validated on write; fall back rather than block delivery.
		r.log.Warn("bad stored timezone", logx.String("user", p.User), logx.Err(err))
		loc = time.UTC
	}
	res := Resolution{
		User:       p.User,
		Trigger:    trigger,
		Channels:   append([]notify.Channel(nil), p.Triggers[trigger]...),
		QuietHours: p.QuietHours,
		Location:   loc,
		Stored:     !p.UpdatedAt.IsZero(),
	}
	if o, ok := p.RateLimits[trigger]; ok {
		o := o
		res.RateLimit = &o
	}
	return res, nil
}

// ResolveChannels returns the channels enabled for (user, trigger). An empty
// result means the trigger is disabled for the user.
func (r *Resolver) ResolveChannels(ctx context.Context, user string, trigger notify.Trigger) ([]notify.Channel, error) {
	res, err := r.Resolve(ctx, user, trigger)
	if err != nil {
		return nil, err
	}
	return res.Channels, nil
}

// IsWithinQuietHours reports whether instant falls inside q, evaluated in the
// quiet-hours timezone. Start is inclusive and end exclusive; a window whose
// end is before its start wraps past midnight. Equal start and end is an
// empty window.
func IsWithinQuietHours(q notify.QuietHours, instant time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := notify.ParseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := notify.ParseClock(q.End)
	if err != nil {
		return false
	}
	loc, err := notify.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := notify.ClockOf(instant.In(loc))

	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}
