package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/queue"
	"notifyd/internal/ratelimit"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type recordingGateway struct {
	mu   sync.Mutex
	sent []notify.Job
}

func (g *recordingGateway) Send(_ context.Context, j notify.Job) error {
	g.mu.Lock()
	g.sent = append(g.sent, j)
	g.mu.Unlock()
	return nil
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

var _ delivery.Gateway = (*recordingGateway)(nil)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "notifyd.yaml")
	body = "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "notifyd.db") + "\n" + body
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const fastConfig = `
logging:
  level: error
  console: false
queue:
  flush_interval: 20ms
  poll_interval: 20ms
scheduler:
  enabled: true
  due_check_interval: 1h
admin:
  enabled: true
  addr: 127.0.0.1:0
`

func TestAppDeliversDispatchedJobs(t *testing.T) {
	t.Parallel()
	gw := &recordingGateway{}
	a, err := NewApp(writeConfig(t, fastConfig), WithGateway(gw), WithClock(func() time.Time { return noon }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.NotEmpty(t, a.Admin().Addr())

	ids, err := a.Dispatcher().Dispatch(ctx, "ann", notify.TriggerNewMatch, notify.Payload{DedupKey: "match:42"})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Eventually(t, func() bool { return gw.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		sent, err := a.Queue().List(ctx, notify.JobFilter{Status: notify.JobSent})
		return err == nil && len(sent) == 2
	}, 5*time.Second, 20*time.Millisecond)

	health := a.Health()
	assert.Contains(t, health, "queue")
	assert.Contains(t, health, "admin")

	require.NoError(t, a.Stop(context.Background(), StopCommand))
}

func TestAppRecordsAudit(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeConfig(t, fastConfig), WithGateway(&recordingGateway{}), WithClock(func() time.Time { return noon }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	due := noon.Add(time.Hour)
	sc, err := a.Scheduler().Create(ctx, notify.Schedule{
		Name:     "welcome",
		Type:     notify.ScheduleOneTime,
		DueAt:    &due,
		Trigger:  notify.TriggerProfileIncomplete,
		Selector: notify.Selector{Name: "active_users"},
		Enabled:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := a.Store().ListAudit(ctx, 10)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Kind == eventbus.ScheduleChanged && e.Subject == sc.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Stop(context.Background(), StopCommand))
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := NewApp(writeConfig(t, "queue:\n  flush_interval: soon\n"))
	assert.Error(t, err)

	_, err = NewApp(writeConfig(t, "ratelimit:\n  triggers:\n    poke:\n      max: 1\n"))
	assert.Error(t, err)
}

func TestStopWithoutStartReleasesStores(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeConfig(t, "logging:\n  console: false\n"))
	require.NoError(t, err)

	list, err := a.Scheduler().List(context.Background(), notify.ScheduleFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, a.Stop(context.Background(), StopCommand))
	assert.Nil(t, a.Store())
}

func TestMapRateLimitConfigKeepsDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.RateLimit.DefaultMax = 5
	cfg.RateLimit.Triggers = map[string]config.TriggerLimitRaw{"new_message": {Max: 50, Period: "hour"}}

	rc, err := mapRateLimitConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, rc.DefaultMax)
	assert.Equal(t, notify.PeriodDay, rc.DefaultPeriod)
	assert.Equal(t, 3, rc.ActorCaps[notify.TriggerProfileView])
	assert.Equal(t, notify.RateOverride{Max: 50, Period: notify.PeriodHour}, rc.TriggerLimits[notify.TriggerNewMessage])
}

func TestMapSchedulerConfigBoundsInterval(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Scheduler.DueCheckInterval = "90m"
	_, err := mapSchedulerConfig(cfg)
	assert.Error(t, err)

	cfg.Scheduler.DueCheckInterval = ""
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, sc.DueCheckInterval)
}

func TestAuditEntryFiltersNoise(t *testing.T) {
	t.Parallel()
	at := noon

	e, ok := auditEntry(eventbus.Event{Type: eventbus.JobFailed, Time: at, Data: queue.JobEvent{
		ID: "j1", Recipient: "ann", Trigger: notify.TriggerNewMatch, Channel: notify.ChannelSMS, Attempt: 3, Error: "boom",
	}})
	require.True(t, ok)
	assert.Equal(t, "j1", e.Subject)
	assert.Contains(t, e.Detail, "error=boom")

	_, ok = auditEntry(eventbus.Event{Type: eventbus.ExecutionFinished, Time: at, Data: notify.Execution{
		ID: "e1", ScheduleID: "s1", Status: notify.ExecutionSuccess,
	}})
	assert.False(t, ok, "successful executions are not audited")

	e, ok = auditEntry(eventbus.Event{Type: eventbus.ExecutionFinished, Time: at, Data: notify.Execution{
		ID: "e2", ScheduleID: "s1", Status: notify.ExecutionFailed, Error: "selector down",
	}})
	require.True(t, ok)
	assert.Equal(t, "s1", e.Subject)
	assert.True(t, at.Equal(e.At))
}

func TestLostJobsReleaseDedup(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeConfig(t, `
logging:
  level: error
  console: false
queue:
  flush_interval: 1h
  batch_size: 100
`), WithGateway(&recordingGateway{}), WithClock(func() time.Time { return noon }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	_, err = a.Dispatcher().Dispatch(ctx, "ann", notify.TriggerNewMatch, notify.Payload{DedupKey: "match:7"})
	require.NoError(t, err)
	require.Equal(t, 2, a.Queue().Buffered())

	marker := ratelimit.DedupKey("ann", notify.TriggerNewMatch, "match:7")
	eph := a.ephemeral
	ok, err := eph.Exists(ctx, marker)
	require.NoError(t, err)
	require.True(t, ok)

	// The final flush cannot reach the database.
	require.NoError(t, a.Store().Close())
	require.Error(t, a.Stop(context.Background(), StopCommand))

	ok, err = eph.Exists(context.Background(), marker)
	require.NoError(t, err)
	assert.False(t, ok, "dedup marker released for the lost jobs")
}

func TestConfigWatchIsRestarted(t *testing.T) {
	t.Parallel()
	a, err := NewApp(writeConfig(t, "logging:\n  level: error\n  console: false\n"), WithGateway(&recordingGateway{}))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls int
	)
	a.watch = func(ctx context.Context) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return errors.New("inotify limit reached")
		}
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		for _, l := range a.Health()["app"].Loops {
			if l.Name == "config.watch" {
				return l.Restarts == 1 && l.Running
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	select {
	case <-a.Done():
		t.Fatal("app stopped on a single watcher failure")
	default:
	}

	_ = a.Stop(context.Background(), StopCommand)
}
