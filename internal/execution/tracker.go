// Package execution records runs of schedules: one row per firing with its
// counters and outcome. A schedule has at most one running execution at a
// time; Start is the lock.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

type Store interface {
	StartExecution(ctx context.Context, e notify.Execution) error
	StartDueExecution(ctx context.Context, e notify.Execution, due time.Time) error
	IncrExecutionCounter(ctx context.Context, id string, c notify.Counter, n int) error
	FinishExecution(ctx context.Context, id string, status notify.ExecutionStatus, errMsg string, at time.Time) error
	FailStaleExecutions(ctx context.Context, olderThan time.Time, reason string) (int, error)
	GetExecution(ctx context.Context, id string) (notify.Execution, error)
	ListExecutions(ctx context.Context, f notify.ExecutionFilter) ([]notify.Execution, error)
	DeleteExecutions(ctx context.Context, ids []string) (int, error)
	DeleteExecutionsBefore(ctx context.Context, t time.Time) (int, error)
}

type Tracker struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func New(store Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	t := &Tracker{store: store, bus: bus, log: log.With(logx.Component("execution")), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start opens an execution for scheduleID. It fails with ErrAlreadyRunning
// while another execution of the same schedule is running.
func (t *Tracker) Start(ctx context.Context, scheduleID string, by notify.TriggeredBy) (string, error) {
	return t.start(ctx, scheduleID, by, nil)
}

// StartDue opens a scheduler execution for a schedule observed due at due.
// It fails with ErrNotDue once the schedule has been fired or changed since.
func (t *Tracker) StartDue(ctx context.Context, scheduleID string, due time.Time) (string, error) {
	return t.start(ctx, scheduleID, notify.TriggeredByScheduler, &due)
}

func (t *Tracker) start(ctx context.Context, scheduleID string, by notify.TriggeredBy, due *time.Time) (string, error) {
	if scheduleID == "" {
		return "", fmt.Errorf("start execution: %w", notify.ErrNotFound)
	}
	e := notify.Execution{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleID,
		TriggeredBy: by,
		Status:      notify.ExecutionRunning,
		StartedAt:   t.now(),
	}
	var err error
	if due != nil {
		err = t.store.StartDueExecution(ctx, e, *due)
	} else {
		err = t.store.StartExecution(ctx, e)
	}
	if err != nil {
		return "", err
	}
	t.log.Debug("execution started",
		logx.String("execution", e.ID),
		logx.String("schedule", scheduleID),
		logx.String("by", string(by)),
	)
	t.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStarted, Time: e.StartedAt, Data: e})
	return e.ID, nil
}

func (t *Tracker) incr(ctx context.Context, id string, c notify.Counter, n int) error {
	if n == 0 {
		return nil
	}
	return t.store.IncrExecutionCounter(ctx, id, c, n)
}

func (t *Tracker) RecordChecked(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterChecked, n)
}

func (t *Tracker) RecordMatch(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterMatched, n)
}

func (t *Tracker) RecordNotified(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterNotified, n)
}

func (t *Tracker) RecordSkipped(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterSkipped, n)
}

func (t *Tracker) RecordSkippedOverLimit(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterSkippedOverLimit, n)
}

func (t *Tracker) RecordError(ctx context.Context, id string, n int) error {
	return t.incr(ctx, id, notify.CounterErrors, n)
}

// Finish closes a running execution. Finishing twice returns ErrFinished.
func (t *Tracker) Finish(ctx context.Context, id string, status notify.ExecutionStatus, errMsg string) error {
	if status != notify.ExecutionSuccess && status != notify.ExecutionFailed {
		return fmt.Errorf("finish execution %q: %w: status %q", id, notify.ErrInvalidState, status)
	}
	at := t.now()
	if err := t.store.FinishExecution(ctx, id, status, errMsg, at); err != nil {
		return err
	}

	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		e = notify.Execution{ID: id, Status: status, Error: errMsg, FinishedAt: &at}
	}
	if status == notify.ExecutionFailed {
		t.log.Error("execution failed",
			logx.String("execution", id),
			logx.String("schedule", e.ScheduleID),
			logx.String("error", errMsg),
			logx.Terminal(),
		)
	} else {
		t.log.Info("execution finished",
			logx.String("execution", id),
			logx.String("schedule", e.ScheduleID),
			logx.Int("matched", e.Counters.Matched),
			logx.Int("notified", e.Counters.Notified),
			logx.Int("skipped_over_limit", e.Counters.SkippedOverLimit),
		)
	}
	t.bus.Publish(eventbus.Event{Type: eventbus.ExecutionFinished, Time: at, Data: e})
	return nil
}

func (t *Tracker) Get(ctx context.Context, id string) (notify.Execution, error) {
	return t.store.GetExecution(ctx, id)
}

func (t *Tracker) List(ctx context.Context, f notify.ExecutionFilter) ([]notify.Execution, error) {
	return t.store.ListExecutions(ctx, f)
}

// DeleteMany removes finished executions by id; running ones are kept.
func (t *Tracker) DeleteMany(ctx context.Context, ids []string) (int, error) {
	return t.store.DeleteExecutions(ctx, ids)
}

// Purge removes finished executions started before cutoff.
func (t *Tracker) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := t.store.DeleteExecutionsBefore(ctx, cutoff)
	if err == nil && n > 0 {
		t.log.Info("executions purged", logx.Int("count", n), logx.Time("before", cutoff))
	}
	return n, err
}

// FailStale fails executions left running longer than maxAge, which happens
// when the process that started them died. The schedule can fire again
// afterwards.
func (t *Tracker) FailStale(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := t.store.FailStaleExecutions(ctx, t.now().Add(-maxAge), "abandoned: exceeded "+maxAge.String())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Warn("stale executions failed", logx.Int("count", n), logx.Duration("max_age", maxAge))
	}
	return n, nil
}
