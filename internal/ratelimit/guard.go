// Package ratelimit is the admission guard in front of every dispatch: quiet
// hours, duplicate-event suppression, per-actor lifetime caps and per-window
// trigger caps, backed by the ephemeral store.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/ephemeral"
	"notifyd/internal/notify"
	"notifyd/internal/preference"
	logx "notifyd/pkg/logx"
)

// Reason explains a denial.
type Reason string

const (
	ReasonChannelDisabled Reason = "CHANNEL_DISABLED"
	ReasonQuietHours      Reason = "QUIET_HOURS"
	ReasonAlreadyNotified Reason = "ALREADY_NOTIFIED"
	ReasonRateExceeded    Reason = "RATE_EXCEEDED"
)

// Decision is the outcome of Admit. A denial is not an error.
type Decision struct {
	Admitted bool
	Reason   Reason
}

func admitted() Decision          { return Decision{Admitted: true} }
func denied(r Reason) Decision    { return Decision{Reason: r} }
func (d Decision) String() string { return string(d.Reason) }

type Request struct {
	User       string
	Trigger    notify.Trigger
	Actor      string
	DedupKey   string
	Priority   notify.Priority
	At         time.Time
	Resolution preference.Resolution
}

type Config struct {
	// DefaultMax caps notifications per (user, trigger) per DefaultPeriod; <=0 disables the cap.
	DefaultMax    int
	DefaultPeriod notify.RatePeriod
	// DedupTTL is how long a dedup key suppresses repeats.
	DedupTTL time.Duration
	// ActorCaps are lifetime caps per (recipient, trigger, actor).
	ActorCaps map[notify.Trigger]int
	// TriggerLimits override DefaultMax/DefaultPeriod per trigger.
	TriggerLimits map[notify.Trigger]notify.RateOverride
}

func DefaultConfig() Config {
	return Config{
		DefaultMax:    20,
		DefaultPeriod: notify.PeriodDay,
		DedupTTL:      7 * 24 * time.Hour,
		ActorCaps:     map[notify.Trigger]int{notify.TriggerProfileView: 3},
	}
}

type Guard struct {
	store ephemeral.Store
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(store ephemeral.Store, cfg Config, log logx.Logger, opts ...Option) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{store: store, log: log.With(logx.Component("ratelimit")), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	g.Apply(cfg)
	return g
}

// Apply swaps the limits at runtime. Zero fields take defaults.
func (g *Guard) Apply(cfg Config) {
	def := DefaultConfig()
	if cfg.DefaultPeriod == "" {
		cfg.DefaultPeriod = def.DefaultPeriod
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.ActorCaps == nil {
		cfg.ActorCaps = def.ActorCaps
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Guard) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Admit decides whether a notification for req may be created. The first
// failing check wins. Counters and dedup markers taken by earlier checks are
// released when a later check denies, so denied attempts consume no quota.
func (g *Guard) Admit(ctx context.Context, req Request) (Decision, error) {
	cfg := g.config()
	at := req.At
	if at.IsZero() {
		at = g.now()
	}
	res := req.Resolution

	if len(res.Channels) == 0 {
		return denied(ReasonChannelDisabled), nil
	}

	if req.Priority != notify.PriorityCritical && !res.QuietHours.Exempt(req.Trigger) &&
		preference.IsWithinQuietHours(res.QuietHours, at) {
		return denied(ReasonQuietHours), nil
	}

	var undo []func(context.Context)
	rollback := func() {
		// Release with a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i](rctx)
		}
	}

	if req.DedupKey != "" {
		key := DedupKey(req.User, req.Trigger, req.DedupKey)
		ok, err := g.store.SetNX(ctx, key, at.UTC().Format(time.RFC3339), cfg.DedupTTL)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return denied(ReasonAlreadyNotified), nil
		}
		undo = append(undo, func(c context.Context) { g.release(c, g.store.Del(c, key), key) })
	}

	if capN := cfg.ActorCaps[req.Trigger]; capN > 0 && req.Actor != "" {
		key := ActorKey(req.User, req.Trigger, req.Actor)
		n, err := g.store.Incr(ctx, key, 0)
		if err != nil {
			rollback()
			return Decision{}, err
		}
		undo = append(undo, func(c context.Context) { _, err := g.store.Decr(c, key); g.release(c, err, key) })
		if n > int64(capN) {
			rollback()
			return denied(ReasonRateExceeded), nil
		}
	}

	limit, period := cfg.limitFor(req.Trigger, res.RateLimit)
	if limit > 0 {
		loc := res.Location
		if loc == nil {
			loc = time.UTC
		}
		bucket, end := Window(period, at, loc)
		key := WindowKey(req.User, req.Trigger, bucket)
		n, err := g.store.Incr(ctx, key, end.Sub(at)+time.Hour)
		if err != nil {
			rollback()
			return Decision{}, err
		}
		if n > int64(limit) {
			undo = append(undo, func(c context.Context) { _, err := g.store.Decr(c, key); g.release(c, err, key) })
			rollback()
			return denied(ReasonRateExceeded), nil
		}
	}

	return admitted(), nil
}

func (g *Guard) release(_ context.Context, err error, key string) {
	if err != nil {
		g.log.Warn("failed to release admission key", logx.String("key", key), logx.Err(err))
	}
}

// Forget drops the dedup marker of an occurrence so it may notify again.
func (g *Guard) Forget(ctx context.Context, user string, trigger notify.Trigger, dedupKey string) error {
	if dedupKey == "" {
		return nil
	}
	return g.store.Del(ctx, DedupKey(user, trigger, dedupKey))
}

func (c Config) limitFor(t notify.Trigger, user *notify.RateOverride) (int, notify.RatePeriod) {
	limit, period := c.DefaultMax, c.DefaultPeriod
	if o, ok := c.TriggerLimits[t]; ok {
		limit = o.Max
		if o.Period != "" {
			period = o.Period
		}
	}
	if user != nil {
		limit = user.Max
		if user.Period != "" {
			period = user.Period
		}
	}
	return limit, period
}

// Window returns the bucket label containing at and the bucket's end.
// Buckets are fixed calendar units in loc.
func Window(period notify.RatePeriod, at time.Time, loc *time.Location) (string, time.Time) {
	t := at.In(loc)
	switch period {
	case notify.PeriodHour:
		start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		return "h" + start.Format("2006010215"), start.Add(time.Hour)
	case notify.PeriodWeek:
		y, w := t.ISOWeek()
		wd := (int(t.Weekday()) + 6) % 7 // Monday=0
		start := time.Date(t.Year(), t.Month(), t.Day()-wd, 0, 0, 0, 0, loc)
		return fmt.Sprintf("w%04d%02d", y, w), start.AddDate(0, 0, 7)
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		return "d" + start.Format("20060102"), start.AddDate(0, 0, 1)
	}
}

func DedupKey(user string, t notify.Trigger, key string) string {
	return "dedup:" + user + ":" + string(t) + ":" + key
}

func ActorKey(user string, t notify.Trigger, actor string) string {
	return "rl:actor:" + user + ":" + string(t) + ":" + actor
}

func WindowKey(user string, t notify.Trigger, bucket string) string {
	return strings.Join([]string{"rl", user, string(t), bucket}, ":")
}
