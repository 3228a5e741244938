package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/execution"
	"notifyd/internal/notify"
	"notifyd/internal/recipients"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sent struct {
	user    string
	trigger notify.Trigger
	payload notify.Payload
}

type recorder struct {
	mu    sync.Mutex
	calls []sent
}

func (r *recorder) Dispatch(_ context.Context, user string, tr notify.Trigger, p notify.Payload) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{user, tr, p})
	return []string{"job-" + user}, nil
}

func (r *recorder) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.user)
	}
	return out
}

type env struct {
	st  *storage.Store
	s   *Scheduler
	ex  *execution.Tracker
	rec *recorder
	clk *clock
}

func newEnv(t *testing.T, start time.Time) *env {
	t.Helper()
	clk := &clock{now: start}
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ex := execution.New(st, nil, logx.Nop(), execution.WithClock(clk.Now))
	rec := &recorder{}
	s := New(st, rec, ex, recipients.NewRegistry(), nil, Config{Enabled: true}, logx.Nop(), WithClock(clk.Now))
	return &env{st: st, s: s, ex: ex, rec: rec, clk: clk}
}

func TestDailyScheduleWithHourlyChecks(t *testing.T) {
	t.Parallel()
	la := mustLoad(t, "America/Los_Angeles")
	e := newEnv(t, time.Date(2026, 6, 1, 7, 30, 0, 0, la))
	ctx := context.Background()

	sc, err := e.s.Create(ctx, notify.Schedule{
		Name:       "morning digest",
		Type:       notify.ScheduleRecurring,
		Recurrence: &notify.Recurrence{Frequency: notify.FrequencyDaily, TimeOfDay: "09:00", Timezone: "America/Los_Angeles"},
		Trigger:    notify.TriggerNewMatch,
		Selector:   notify.Selector{Name: "static", Params: map[string]string{"users": "ann"}},
		Enabled:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, sc.NextDueAt)
	assert.True(t, time.Date(2026, 6, 1, 9, 0, 0, 0, la).Equal(*sc.NextDueAt))

	checks := []struct {
		at    time.Time
		fired int
	}{
		{time.Date(2026, 6, 1, 8, 30, 0, 0, la), 0},
		{time.Date(2026, 6, 1, 9, 30, 0, 0, la), 1},
		{time.Date(2026, 6, 1, 9, 45, 0, 0, la), 0},
		{time.Date(2026, 6, 1, 10, 30, 0, 0, la), 0},
		{time.Date(2026, 6, 2, 8, 30, 0, 0, la), 0},
		{time.Date(2026, 6, 2, 9, 30, 0, 0, la), 1},
	}
	for _, c := range checks {
		e.clk.Set(c.at)
		n, err := e.s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, c.fired, n, "check at %s", c.at)
	}

	got, err := e.s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, time.Date(2026, 6, 3, 9, 0, 0, 0, la).Equal(*got.NextDueAt))

	runs, err := e.ex.List(ctx, notify.ExecutionFilter{ScheduleID: sc.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMaxRecipientsKeepsTopScores(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	due := e.clk.Now().Add(-time.Minute)
	sc, err := e.s.Create(ctx, notify.Schedule{
		Name:          "top sellers",
		Type:          notify.ScheduleOneTime,
		DueAt:         &due,
		Trigger:       notify.TriggerNewUsersMatching,
		Selector:      notify.Selector{Name: "static", Params: map[string]string{"users": "c:70,e:50,a:90,d:60,b:80"}},
		MaxRecipients: 2,
		Enabled:       true,
	})
	require.NoError(t, err)

	n, err := e.s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b"}, e.rec.users())
	assert.Equal(t, "sched:"+sc.ID+":a", e.rec.calls[0].payload.DedupKey)
	assert.Equal(t, notify.TriggerNewUsersMatching, e.rec.calls[0].trigger)
	assert.Equal(t, "90", e.rec.calls[0].payload.Context["score"])

	runs, err := e.ex.List(ctx, notify.ExecutionFilter{ScheduleID: sc.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, notify.ExecutionSuccess, runs[0].Status)
	assert.Equal(t, notify.TriggeredByScheduler, runs[0].TriggeredBy)
	assert.Equal(t, 5, runs[0].Counters.Matched)
	assert.Equal(t, 2, runs[0].Counters.Notified)
	assert.Equal(t, 3, runs[0].Counters.SkippedOverLimit)
}

func TestOneTimeFiresOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	due := e.clk.Now().Add(time.Hour)
	sc, err := e.s.Create(ctx, notify.Schedule{
		Name:     "launch",
		Type:     notify.ScheduleOneTime,
		DueAt:    &due,
		Trigger:  notify.TriggerNewMatch,
		Selector: notify.Selector{Name: "static", Params: map[string]string{"users": "ann,bob"}},
		Enabled:  true,
	})
	require.NoError(t, err)

	n, err := e.s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet due")

	e.clk.Set(due.Add(time.Minute))
	n, err = e.s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.clk.Set(due.Add(2 * time.Hour))
	n, err = e.s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextDueAt)
	assert.Len(t, e.rec.users(), 2)

	_, err = e.s.Enable(ctx, sc.ID)
	assert.ErrorIs(t, err, notify.ErrInvalidState)
}

// staleDue serves a due list read before another instance fired.
type staleDue struct {
	*storage.Store
	due []notify.Schedule
}

func (s staleDue) DueSchedules(context.Context, time.Time, int) ([]notify.Schedule, error) {
	return s.due, nil
}

func TestSecondInstanceDoesNotRefire(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	oneTime := start.Add(-time.Minute)
	cases := map[string]notify.Schedule{
		"one_time": {
			Type:  notify.ScheduleOneTime,
			DueAt: &oneTime,
		},
		"recurring": {
			Type:       notify.ScheduleRecurring,
			Recurrence: &notify.Recurrence{Frequency: notify.FrequencyDaily, TimeOfDay: "09:00", Timezone: "UTC"},
		},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, start)
			ctx := context.Background()

			def.Name = "shared " + name
			def.Trigger = notify.TriggerNewMatch
			def.Selector = notify.Selector{Name: "static", Params: map[string]string{"users": "ann"}}
			def.Enabled = true
			sc, err := e.s.Create(ctx, def)
			require.NoError(t, err)

			e.clk.Set(start.Add(90 * time.Minute))
			due, err := e.st.DueSchedules(ctx, e.clk.Now(), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			recB := &recorder{}
			b := New(staleDue{Store: e.st, due: due}, recB, e.ex, recipients.NewRegistry(), nil,
				Config{Enabled: true}, logx.Nop(), WithClock(e.clk.Now))

			n, err := e.s.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "instance A")

			n, err = b.Tick(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "instance B holds a stale due list")
			assert.Empty(t, recB.users())

			runs, err := e.ex.List(ctx, notify.ExecutionFilter{ScheduleID: sc.ID})
			require.NoError(t, err)
			assert.Len(t, runs, 1)
			assert.Equal(t, []string{"ann"}, e.rec.users())
		})
	}
}

func TestRunNowIsManualAndKeepsNextDue(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	sc, err := e.s.Create(ctx, notify.Schedule{
		Name:       "weekly",
		Type:       notify.ScheduleRecurring,
		Recurrence: &notify.Recurrence{Frequency: notify.FrequencyWeekly, DayOfWeek: 5, TimeOfDay: "18:00"},
		Trigger:    notify.TriggerNewMatch,
		Selector:   notify.Selector{Name: "static", Params: map[string]string{"users": "ann"}},
		Enabled:    true,
	})
	require.NoError(t, err)

	execID, err := e.s.RunNow(ctx, sc.ID)
	require.NoError(t, err)

	run, err := e.ex.Get(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, notify.TriggeredByManual, run.TriggeredBy)
	assert.Equal(t, notify.ExecutionSuccess, run.Status)

	got, err := e.s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, sc.NextDueAt.Equal(*got.NextDueAt))
	require.NotNil(t, got.LastFiredAt)
}

func TestDisableStopsFirings(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	sc, err := e.s.Create(ctx, notify.Schedule{
		Name:       "daily",
		Type:       notify.ScheduleRecurring,
		Recurrence: &notify.Recurrence{Frequency: notify.FrequencyDaily, TimeOfDay: "13:00"},
		Trigger:    notify.TriggerNewMatch,
		Selector:   notify.Selector{Name: "static", Params: map[string]string{"users": "ann"}},
		Enabled:    true,
	})
	require.NoError(t, err)

	_, err = e.s.Disable(ctx, sc.ID)
	require.NoError(t, err)
	e.clk.Set(time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC))
	n, err := e.s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	enabled, err := e.s.Enable(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 6, 2, 13, 0, 0, 0, time.UTC).Equal(*enabled.NextDueAt))

	require.NoError(t, e.s.Delete(ctx, sc.ID))
	_, err = e.s.Get(ctx, sc.ID)
	assert.ErrorIs(t, err, notify.ErrNotFound)
}

func TestCreateRejectsBadDefinitions(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	base := notify.Schedule{
		Name:       "x",
		Type:       notify.ScheduleRecurring,
		Recurrence: &notify.Recurrence{Frequency: notify.FrequencyCron, Cron: "61 * * * *"},
		Trigger:    notify.TriggerNewMatch,
		Selector:   notify.Selector{Name: "static"},
		Enabled:    true,
	}
	_, err := e.s.Create(ctx, base)
	assert.ErrorIs(t, err, notify.ErrInvalidSchedule)

	base.Recurrence = &notify.Recurrence{Frequency: notify.FrequencyCron, Cron: "@hourly"}
	base.Selector.Name = "nobody"
	_, err = e.s.Create(ctx, base)
	assert.ErrorIs(t, err, notify.ErrInvalidSchedule)
	assert.ErrorIs(t, err, recipients.ErrUnknownSelector)

	base.Selector.Name = "static"
	created, err := e.s.Create(ctx, base)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestStartRunsDueChecks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	due := e.clk.Now().Add(-time.Minute)
	_, err := e.s.Create(ctx, notify.Schedule{
		Name:     "now",
		Type:     notify.ScheduleOneTime,
		DueAt:    &due,
		Trigger:  notify.TriggerNewMatch,
		Selector: notify.Selector{Name: "static", Params: map[string]string{"users": "ann"}},
		Enabled:  true,
	})
	require.NoError(t, err)

	e.s.Apply(Config{Enabled: true, DueCheckInterval: time.Second})
	e.s.Start(ctx)
	require.Eventually(t, func() bool { return len(e.rec.users()) == 1 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	e.s.Stop(stopCtx)
}

func TestDueCheckIntervalIsCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{DueCheckInterval: 3 * time.Hour}.withDefaults()
	assert.Equal(t, time.Hour, cfg.DueCheckInterval)
	assert.Equal(t, time.Minute, Config{}.withDefaults().DueCheckInterval)
}
