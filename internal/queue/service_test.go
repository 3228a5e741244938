package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

type fixture struct {
	q     *Service
	st    *storage.Store
	clk   *clock
	bus   eventbus.Bus
	logs  *lockedBuffer
	calls chan notify.Job
}

func newFixture(t *testing.T, cfg Config, gw func(ctx context.Context, j notify.Job) error) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, clk: clk, bus: eventbus.New(), logs: &lockedBuffer{}, calls: make(chan notify.Job, 64)}
	g := delivery.GatewayFunc(func(ctx context.Context, j notify.Job) error {
		select {
		case f.calls <- j:
		default:
		}
		return gw(ctx, j)
	})
	f.q = New(st, g, f.bus, cfg, logx.NewWriter(f.logs, "debug"), WithClock(clk.Now))
	return f
}

func job(id string, now time.Time) notify.Job {
	return notify.Job{
		ID: id, Recipient: "u1", Trigger: notify.TriggerShortlistAdded, Channel: notify.ChannelEmail,
		Priority: notify.PriorityMedium, Payload: notify.Payload{DedupKey: "sl:u1:v", Actor: "v"},
		Status: notify.JobPending, CreatedAt: now, NextAttemptAt: now,
	}
}

func TestEnqueueFlushesOnBatchSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{BatchSize: 2}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	assert.Equal(t, 1, f.q.Buffered())
	_, err := f.st.GetJob(ctx, "a")
	assert.ErrorIs(t, err, notify.ErrNotFound)

	f.q.Enqueue(ctx, job("b", f.clk.Now()))
	assert.Zero(t, f.q.Buffered())
	_, err = f.st.GetJob(ctx, "a")
	require.NoError(t, err)
}

type flakyStore struct {
	Store
	fail bool
}

func (s *flakyStore) InsertJobs(ctx context.Context, jobs []notify.Job) error {
	if s.fail {
		return fmt.Errorf("insert: %w", notify.ErrStoreUnavailable)
	}
	return s.Store.InsertJobs(ctx, jobs)
}

func TestFailedFlushKeepsBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()
	fs := &flakyStore{Store: f.st, fail: true}
	q := New(fs, delivery.LogGateway{Log: logx.Nop()}, nil, Config{}, logx.Nop())

	q.Enqueue(ctx, job("a", f.clk.Now()), job("b", f.clk.Now()))
	require.ErrorIs(t, q.Flush(ctx), notify.ErrStoreUnavailable)
	assert.Equal(t, 2, q.Buffered())

	fs.fail = false
	require.NoError(t, q.Flush(ctx))
	assert.Zero(t, q.Buffered())
	list, err := f.st.ListJobs(ctx, notify.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStopHandsLostJobsToHook(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()

	var lost []string
	q := New(&flakyStore{Store: f.st, fail: true}, delivery.LogGateway{Log: logx.Nop()}, nil, Config{}, logx.Nop(),
		WithLostHook(func(_ context.Context, j notify.Job) { lost = append(lost, j.ID+"/"+j.Payload.DedupKey) }))

	q.Enqueue(ctx, job("a", f.clk.Now()), job("b", f.clk.Now()))
	require.ErrorIs(t, q.Stop(ctx), notify.ErrStoreUnavailable)
	assert.Equal(t, []string{"a/sl:u1:v", "b/sl:u1:v"}, lost)
	assert.Zero(t, q.Buffered())
}

func TestDrainDeliversAndMarksSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, "job.")
	defer unsub()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))

	n, err := f.q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobSent, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
	assert.Equal(t, eventbus.JobSent, (<-events).Type)
	assert.Equal(t, notify.ChannelEmail, (<-f.calls).Channel)

	n, err = f.q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetriableFailureBacksOffThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 3, RetryBase: time.Minute, RetryMaxDelay: time.Hour},
		func(context.Context, notify.Job) error { return errors.New("provider 503") })
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))

	for attempt := 1; attempt <= 2; attempt++ {
		n, err := f.q.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		j, err := f.st.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, notify.JobPending, j.Status)
		assert.Equal(t, attempt, j.AttemptCount)
		assert.True(t, j.NextAttemptAt.After(f.clk.Now()))

		n, err = f.q.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due before backoff elapses")
		f.clk.Advance(time.Hour)
	}

	n, err := f.q.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j, err := f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobFailed, j.Status)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Equal(t, "provider 503", j.LastError)
	assert.Contains(t, f.logs.String(), "delivery failed permanently")

	failed, err := f.q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, f.q.Retry(ctx, "a"))
	j, err = f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobPending, j.Status)
	assert.Zero(t, j.AttemptCount)
}

func TestReclaimFailsClaimsOutOfAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 2, ClaimTimeout: time.Minute}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := f.st.ClaimJobs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		f.clk.Advance(2 * time.Minute)
		n, err := f.q.ReclaimOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	j, err := f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobFailed, j.Status)
	assert.Equal(t, 2, j.AttemptCount)
	assert.Contains(t, f.logs.String(), "stale jobs out of attempts")
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(context.Context, notify.Job) error {
		return delivery.Permanent(errors.New("invalid address"))
	})
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))
	_, err := f.q.DrainOnce(ctx)
	require.NoError(t, err)

	j, err := f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobFailed, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
}

func TestSendTimeoutIsRetriable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SendTimeout: 20 * time.Millisecond}, func(ctx context.Context, _ notify.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))
	_, err := f.q.DrainOnce(ctx)
	require.NoError(t, err)

	j, err := f.st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notify.JobPending, j.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), j.LastError)
}

func TestCancelPendingBufferedAndStored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(context.Context, notify.Job) error { return nil })
	ctx := context.Background()

	f.q.Enqueue(ctx, job("a", f.clk.Now()))
	require.NoError(t, f.q.Flush(ctx))
	f.q.Enqueue(ctx, job("b", f.clk.Now()))

	other := job("c", f.clk.Now())
	other.Payload.Actor = "w"
	f.q.Enqueue(ctx, other)

	n, err := f.q.CancelPending(ctx, "u1", notify.TriggerShortlistAdded, "v")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.q.Buffered())
}

func TestStartDeliversInBackground(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FlushInterval: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond},
		func(context.Context, notify.Job) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.q.Start(ctx)
	f.q.Enqueue(ctx, job("a", f.clk.Now()))

	require.Eventually(t, func() bool {
		j, err := f.st.GetJob(context.Background(), "a")
		return err == nil && j.Status == notify.JobSent
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, f.q.Stop(stopCtx))
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}.withDefaults()
	for i := 0; i < 50; i++ {
		d := retryDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
		assert.LessOrEqual(t, retryDelay(cfg, 10), 5*time.Second)
	}
}
