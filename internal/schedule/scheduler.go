// Package schedule runs time-based notifications. A cron entry drives a
// periodic due check; each due schedule becomes one execution that queries
// its recipients, ranks them and dispatches to the top max_recipients.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/recipients"
	logx "notifyd/pkg/logx"
)

type Store interface {
	InsertSchedule(ctx context.Context, sc notify.Schedule) error
	UpdateSchedule(ctx context.Context, sc notify.Schedule) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error
	MarkScheduleFired(ctx context.Context, id string, firedAt time.Time, next *time.Time, disable bool) error
	SetScheduleLastFired(ctx context.Context, id string, firedAt time.Time) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (notify.Schedule, error)
	ListSchedules(ctx context.Context, f notify.ScheduleFilter) ([]notify.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]notify.Schedule, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, user string, trigger notify.Trigger, p notify.Payload) ([]string, error)
}

type Executions interface {
	Start(ctx context.Context, scheduleID string, by notify.TriggeredBy) (string, error)
	StartDue(ctx context.Context, scheduleID string, due time.Time) (string, error)
	RecordChecked(ctx context.Context, id string, n int) error
	RecordMatch(ctx context.Context, id string, n int) error
	RecordNotified(ctx context.Context, id string, n int) error
	RecordSkipped(ctx context.Context, id string, n int) error
	RecordSkippedOverLimit(ctx context.Context, id string, n int) error
	RecordError(ctx context.Context, id string, n int) error
	Finish(ctx context.Context, id string, status notify.ExecutionStatus, errMsg string) error
	FailStale(ctx context.Context, maxAge time.Duration) (int, error)
}

type Selectors interface {
	Has(name string) bool
	Run(ctx context.Context, name string, params map[string]string) ([]recipients.Match, error)
}

type Config struct {
	Enabled bool
	// DueCheckInterval is how often due schedules are looked up. At most 1h.
	DueCheckInterval time.Duration
	// DueBatch bounds the schedules fired per check.
	DueBatch int
	// StaleAfter fails executions left running longer than this.
	StaleAfter time.Duration
}

const maxDueCheckInterval = time.Hour

func (c Config) withDefaults() Config {
	if c.DueCheckInterval <= 0 {
		c.DueCheckInterval = time.Minute
	}
	if c.DueCheckInterval > maxDueCheckInterval {
		c.DueCheckInterval = maxDueCheckInterval
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	return c
}

type Scheduler struct {
	store      Store
	dispatch   Dispatcher
	executions Executions
	selectors  Selectors
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store Store, d Dispatcher, ex Executions, sel Selectors, bus eventbus.Bus, cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{
		store:      store,
		dispatch:   d,
		executions: ex,
		selectors:  sel,
		bus:        bus,
		log:        log.With(logx.Component("scheduler")),
		now:        time.Now,
		cfg:        cfg.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config. A changed due-check interval restarts the cron
// entry when running.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	restart := c != nil && (old.DueCheckInterval != cfg.DueCheckInterval || old.Enabled != cfg.Enabled)
	if restart {
		s.c = nil
	}
	s.mu.Unlock()
	if !restart {
		return
	}

	// Wait outside the lock: a running check reads the config.
	<-c.Stop().Done()
	s.mu.Lock()
	if s.c == nil && s.ctx != nil {
		s.startLocked()
	}
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins due checks. The cron entry never overlaps itself: a check
// that outlasts the interval delays the next one.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	cfg := s.cfg
	logger := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if cfg.Enabled {
		ctx := s.ctx
		spec := "@every " + cfg.DueCheckInterval.String()
		if _, err := s.c.AddFunc(spec, func() {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("due check failed", logx.Err(err))
			}
		}); err != nil {
			s.log.Error("due check not registered", logx.String("spec", spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Bool("enabled", cfg.Enabled), logx.Duration("due_check", cfg.DueCheckInterval))
}

// Stop halts due checks and waits for a running check to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Tick runs one due check and returns how many schedules fired.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	cfg := s.config()
	if _, err := s.executions.FailStale(ctx, cfg.StaleAfter); err != nil {
		s.log.Warn("stale execution sweep failed", logx.Err(err))
	}

	due, err := s.store.DueSchedules(ctx, s.now(), cfg.DueBatch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if _, err := s.fire(ctx, sc, notify.TriggeredByScheduler); err != nil {
			if errors.Is(err, notify.ErrAlreadyRunning) {
				s.log.Debug("schedule still running; skipped", logx.String("schedule", sc.ID))
				continue
			}
			if errors.Is(err, notify.ErrNotDue) {
				s.log.Debug("schedule fired elsewhere; skipped", logx.String("schedule", sc.ID))
				continue
			}
			s.log.Warn("schedule fire failed", logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}
		fired++
	}
	return fired, nil
}

// fire runs one execution of sc and records the firing on the schedule.
func (s *Scheduler) fire(ctx context.Context, sc notify.Schedule, by notify.TriggeredBy) (string, error) {
	var (
		execID string
		err    error
	)
	if by == notify.TriggeredByScheduler && sc.NextDueAt != nil {
		execID, err = s.executions.StartDue(ctx, sc.ID, *sc.NextDueAt)
	} else {
		execID, err = s.executions.Start(ctx, sc.ID, by)
	}
	if err != nil {
		return "", err
	}

	status, msg := notify.ExecutionSuccess, ""
	if err := s.run(ctx, execID, sc); err != nil {
		status, msg = notify.ExecutionFailed, err.Error()
	}
	// Record the outcome even when ctx was canceled mid-run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// The schedule is marked before the execution finishes: while it runs no
	// other instance can start one, and once next_due_at moves a stale due
	// list no longer matches.
	markErr := s.markFired(fctx, sc, by)
	if err := s.executions.Finish(fctx, execID, status, msg); err != nil {
		s.log.Warn("execution finish failed", logx.String("execution", execID), logx.Err(err))
	}
	return execID, markErr
}

func (s *Scheduler) markFired(ctx context.Context, sc notify.Schedule, by notify.TriggeredBy) error {
	firedAt := s.now()
	if by != notify.TriggeredByScheduler {
		return s.store.SetScheduleLastFired(ctx, sc.ID, firedAt)
	}
	var (
		next    *time.Time
		disable bool
	)
	if sc.Type == notify.ScheduleOneTime {
		disable = true
	} else {
		n, err := NextDue(sc, firedAt)
		if err != nil {
			// A definition that no longer computes cannot fire again.
			s.log.Error("next due failed; disabling schedule", logx.String("schedule", sc.ID), logx.Err(err), logx.Terminal())
			disable = true
		} else {
			next = n
		}
	}
	return s.store.MarkScheduleFired(ctx, sc.ID, firedAt, next, disable)
}

func (s *Scheduler) run(ctx context.Context, execID string, sc notify.Schedule) error {
	if err := s.executions.RecordChecked(ctx, execID, 1); err != nil {
		return err
	}
	matches, err := s.selectors.Run(ctx, sc.Selector.Name, sc.Selector.Params)
	if err != nil {
		_ = s.executions.RecordError(ctx, execID, 1)
		return fmt.Errorf("selector %q: %w", sc.Selector.Name, err)
	}
	if err := s.executions.RecordMatch(ctx, execID, len(matches)); err != nil {
		return err
	}

	recipients.Rank(matches)
	keep, over := recipients.Split(matches, sc.MaxRecipients)
	if err := s.executions.RecordSkippedOverLimit(ctx, execID, len(over)); err != nil {
		return err
	}

	var notified, skipped, failed int
	var lastErr error
	for _, m := range keep {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		ids, err := s.dispatch.Dispatch(ctx, m.Recipient, sc.Trigger, payloadFor(sc, m))
		switch {
		case err != nil:
			failed++
			lastErr = err
			s.log.Debug("scheduled dispatch failed", logx.String("schedule", sc.ID), logx.String("recipient", m.Recipient), logx.Err(err))
		case len(ids) == 0:
			skipped++
		default:
			notified++
		}
	}
	for _, rec := range []struct {
		fn func(context.Context, string, int) error
		n  int
	}{
		{s.executions.RecordNotified, notified},
		{s.executions.RecordSkipped, skipped},
		{s.executions.RecordError, failed},
	} {
		if err := rec.fn(ctx, execID, rec.n); err != nil {
			return err
		}
	}

	if failed > 0 && notified == 0 && skipped == 0 {
		return fmt.Errorf("all %d dispatches failed: %w", failed, lastErr)
	}
	if lastErr != nil && errors.Is(lastErr, context.Canceled) {
		return lastErr
	}
	return nil
}

// payloadFor builds the dispatch payload for one ranked match. The dedup key
// ties the notification to (schedule, result) so a result is announced once
// per dedup window however often the schedule fires.
func payloadFor(sc notify.Schedule, m recipients.Match) notify.Payload {
	ctx := make(map[string]string, len(m.Context)+3)
	for k, v := range m.Context {
		ctx[k] = v
	}
	ctx["schedule"] = sc.ID
	ctx["result"] = m.ID
	ctx["score"] = strconv.FormatFloat(m.Score, 'f', -1, 64)
	return notify.Payload{
		DedupKey: "sched:" + sc.ID + ":" + m.ID,
		Priority: notify.PriorityMedium,
		Context:  ctx,
	}
}

// Create validates sc, assigns an id when missing and stores it with its
// first due time.
func (s *Scheduler) Create(ctx context.Context, sc notify.Schedule) (notify.Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.validate(&sc); err != nil {
		return notify.Schedule{}, err
	}
	now := s.now()
	sc.CreatedAt, sc.UpdatedAt = now, now
	sc.LastFiredAt = nil
	sc.NextDueAt = nil
	if sc.Enabled {
		next, err := NextDue(sc, now)
		if err != nil {
			return notify.Schedule{}, err
		}
		sc.NextDueAt = next
	}
	if err := s.store.InsertSchedule(ctx, sc); err != nil {
		return notify.Schedule{}, err
	}
	s.changed("created", sc)
	return sc, nil
}

// Update replaces the definition of an existing schedule and recomputes its
// next due time. Firing history is kept.
func (s *Scheduler) Update(ctx context.Context, sc notify.Schedule) (notify.Schedule, error) {
	cur, err := s.store.GetSchedule(ctx, sc.ID)
	if err != nil {
		return notify.Schedule{}, err
	}
	if err := s.validate(&sc); err != nil {
		return notify.Schedule{}, err
	}
	now := s.now()
	sc.CreatedAt = cur.CreatedAt
	sc.LastFiredAt = cur.LastFiredAt
	sc.UpdatedAt = now
	sc.NextDueAt = nil
	if sc.Enabled {
		next, err := NextDue(sc, now)
		if err != nil {
			return notify.Schedule{}, err
		}
		sc.NextDueAt = next
		if next == nil {
			sc.Enabled = false
		}
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return notify.Schedule{}, err
	}
	s.changed("updated", sc)
	return sc, nil
}

// Enable switches sc back on from now. A one_time schedule that already
// fired cannot be enabled again.
func (s *Scheduler) Enable(ctx context.Context, id string) (notify.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return notify.Schedule{}, err
	}
	next, err := NextDue(sc, s.now())
	if err != nil {
		return notify.Schedule{}, err
	}
	if next == nil {
		return notify.Schedule{}, fmt.Errorf("enable schedule %q: %w: one_time schedule already fired", id, notify.ErrInvalidState)
	}
	if err := s.store.SetScheduleEnabled(ctx, id, true, next); err != nil {
		return notify.Schedule{}, err
	}
	sc.Enabled, sc.NextDueAt = true, next
	s.changed("enabled", sc)
	return sc, nil
}

// Disable stops future firings. A running execution is not interrupted.
func (s *Scheduler) Disable(ctx context.Context, id string) (notify.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return notify.Schedule{}, err
	}
	if err := s.store.SetScheduleEnabled(ctx, id, false, nil); err != nil {
		return notify.Schedule{}, err
	}
	sc.Enabled, sc.NextDueAt = false, nil
	s.changed("disabled", sc)
	return sc, nil
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.changed("deleted", notify.Schedule{ID: id})
	return nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (notify.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, f notify.ScheduleFilter) ([]notify.Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

// RunNow fires id immediately as a manual execution, whether or not it is
// enabled or due. Its regular next due time is not moved.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return "", err
	}
	execID, err := s.fire(ctx, sc, notify.TriggeredByManual)
	if err != nil {
		return execID, err
	}
	s.log.Info("schedule run manually", logx.String("schedule", id), logx.String("execution", execID))
	return execID, nil
}

func (s *Scheduler) validate(sc *notify.Schedule) error {
	sc.Name = strings.TrimSpace(sc.Name)
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.Type == notify.ScheduleRecurring && sc.Recurrence.Frequency == notify.FrequencyCron {
		if _, err := ParseCron(sc.Recurrence.Cron); err != nil {
			return err
		}
	}
	if s.selectors != nil && !s.selectors.Has(sc.Selector.Name) {
		return fmt.Errorf("%w: %w %q", notify.ErrInvalidSchedule, recipients.ErrUnknownSelector, sc.Selector.Name)
	}
	return nil
}

func (s *Scheduler) changed(action string, sc notify.Schedule) {
	s.log.Info("schedule "+action, logx.String("schedule", sc.ID), logx.String("name", sc.Name))
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Time: s.now(), Data: map[string]any{
		"action":   action,
		"schedule": sc,
	}})
}

// cronLogger routes robfig/cron's logging to logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
