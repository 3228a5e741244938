// Package dispatch is the entry point business actions call when something
// notifiable happens. It turns one event into zero or more queued jobs, one
// per channel the recipient enabled, after admission checks.
package dispatch

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/preference"
	"notifyd/internal/ratelimit"
	logx "notifyd/pkg/logx"
)

type Resolver interface {
	Resolve(ctx context.Context, user string, trigger notify.Trigger) (preference.Resolution, error)
}

type Admitter interface {
	Admit(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

type Queue interface {
	Enqueue(ctx context.Context, jobs ...notify.Job)
	CancelPending(ctx context.Context, recipient string, trigger notify.Trigger, actor string) (int, error)
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	User     string           `json:"user"`
	Trigger  notify.Trigger   `json:"trigger"`
	Actor    string           `json:"actor,omitempty"`
	DedupKey string           `json:"dedup_key,omitempty"`
	Reason   ratelimit.Reason `json:"reason,omitempty"`
	Jobs     []string         `json:"jobs,omitempty"`
	Canceled int              `json:"canceled,omitempty"`

	// Defaults is set when the user has no stored preferences.
	Defaults bool `json:"defaults,omitempty"`
}

type Dispatcher struct {
	resolver Resolver
	guard    Admitter
	queue    Queue
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(resolver Resolver, guard Admitter, queue Queue, bus eventbus.Bus, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		resolver: resolver,
		guard:    guard,
		queue:    queue,
		bus:      bus,
		log:      log.With(logx.Component("dispatch")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch raises trigger for user and returns the ids of the jobs it
// queued. An empty result is not an error: the trigger may be disabled, the
// user may be in quiet hours, the occurrence may be a duplicate or the rate
// cap may be reached. Delivery happens later and never blocks the caller.
//
// Errors are limited to bad input (ErrInvalidRecipient, ErrUnknownTrigger)
// and ErrStoreUnavailable when settings or admission state cannot be read;
// in that case nothing was admitted and the call may be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, user string, trigger notify.Trigger, p notify.Payload) ([]string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, notify.ErrInvalidRecipient
	}
	if !trigger.Known() {
		return nil, fmt.Errorf("%w: %q", notify.ErrUnknownTrigger, trigger)
	}
	p.Priority = p.Priority.OrDefault()
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("dispatch: invalid priority %q", p.Priority)
	}

	res, err := d.resolver.Resolve(ctx, user, trigger)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s to %s: %w", trigger, user, err)
	}

	now := d.now()
	dec, err := d.guard.Admit(ctx, ratelimit.Request{
		User:       user,
		Trigger:    trigger,
		Actor:      p.Actor,
		DedupKey:   p.DedupKey,
		Priority:   p.Priority,
		At:         now,
		Resolution: res,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s to %s: %w", trigger, user, err)
	}
	if !dec.Admitted {
		d.log.Debug("dispatch denied",
			logx.String("user", user),
			logx.String("trigger", string(trigger)),
			logx.String("reason", string(dec.Reason)),
		)
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchDenied, Time: now, Data: Event{
			User: user, Trigger: trigger, Actor: p.Actor, DedupKey: p.DedupKey, Reason: dec.Reason,
		}})
		return []string{}, nil
	}

	jobs := make([]notify.Job, 0, len(res.Channels))
	ids := make([]string, 0, len(res.Channels))
	for _, ch := range res.Channels {
		j := notify.Job{
			ID:            d.newID(),
			Recipient:     user,
			Trigger:       trigger,
			Channel:       ch,
			Priority:      p.Priority,
			Payload:       p,
			Status:        notify.JobPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		j.Payload.Context = maps.Clone(p.Context)
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	d.queue.Enqueue(ctx, jobs...)

	d.log.Debug("dispatch queued",
		logx.String("user", user),
		logx.String("trigger", string(trigger)),
		logx.Strs("jobs", ids),
		logx.Bool("defaults", !res.Stored),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchQueued, Time: now, Data: Event{
		User: user, Trigger: trigger, Actor: p.Actor, DedupKey: p.DedupKey, Jobs: ids, Defaults: !res.Stored,
	}})
	return ids, nil
}

// Cancel withdraws undelivered jobs for a retracted action, e.g. a favorite
// removed before its notification went out.
func (d *Dispatcher) Cancel(ctx context.Context, user string, trigger notify.Trigger, actor string) (int, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return 0, notify.ErrInvalidRecipient
	}
	if !trigger.Known() {
		return 0, fmt.Errorf("%w: %q", notify.ErrUnknownTrigger, trigger)
	}
	n, err := d.queue.CancelPending(ctx, user, trigger, actor)
	if err != nil {
		return n, err
	}
	if n > 0 {
		d.log.Info("pending notifications canceled",
			logx.String("user", user),
			logx.String("trigger", string(trigger)),
			logx.String("actor", actor),
			logx.Int("count", n),
		)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchCancel, Time: d.now(), Data: Event{
		User: user, Trigger: trigger, Actor: actor, Canceled: n,
	}})
	return n, nil
}
