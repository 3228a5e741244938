package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/ephemeral"
	"notifyd/internal/notify"
	"notifyd/internal/preference"
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

func newGuard(t *testing.T, cfg Config) (*Guard, *clock, *ephemeral.Memory) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)}
	store := ephemeral.NewMemory(ephemeral.WithClock(clk.Now))
	return New(store, cfg, logx.Nop(), WithClock(clk.Now)), clk, store
}

func resolution(user string, tr notify.Trigger, chs ...notify.Channel) preference.Resolution {
	return preference.Resolution{
		User:       user,
		Trigger:    tr,
		Channels:   chs,
		QuietHours: notify.DefaultQuietHours(),
		Location:   time.UTC,
	}
}

func TestAdmitChannelDisabled(t *testing.T) {
	t.Parallel()
	g, _, _ := newGuard(t, DefaultConfig())

	d, err := g.Admit(context.Background(), Request{User: "u", Trigger: notify.TriggerFavorited, Resolution: resolution("u", notify.TriggerFavorited)})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonChannelDisabled, d.Reason)
}

func TestAdmitQuietHours(t *testing.T) {
	t.Parallel()
	g, clk, _ := newGuard(t, DefaultConfig())
	ctx := context.Background()
	clk.Set(time.Date(2026, 4, 14, 23, 0, 0, 0, time.UTC))

	req := Request{User: "u", Trigger: notify.TriggerNewMatch, DedupKey: "m1", Resolution: resolution("u", notify.TriggerNewMatch, notify.ChannelPush)}
	d, err := g.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonQuietHours, d.Reason)

	req.Priority = notify.PriorityCritical
	d, err = g.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Admitted, "critical bypasses quiet hours")

	exempt := Request{User: "u", Trigger: notify.TriggerPIIRequest, Resolution: resolution("u", notify.TriggerPIIRequest, notify.ChannelSMS)}
	d, err = g.Admit(ctx, exempt)
	require.NoError(t, err)
	assert.True(t, d.Admitted, "exception triggers bypass quiet hours")
}

func TestAdmitDedup(t *testing.T) {
	t.Parallel()
	g, _, _ := newGuard(t, DefaultConfig())
	ctx := context.Background()

	req := Request{User: "u", Trigger: notify.TriggerNewMessage, DedupKey: "msg-1", Resolution: resolution("u", notify.TriggerNewMessage, notify.ChannelPush)}
	d, err := g.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = g.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyNotified, d.Reason)

	require.NoError(t, g.Forget(ctx, "u", notify.TriggerNewMessage, "msg-1"))
	d, err = g.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmitConcurrentDedupHasOneWinner(t *testing.T) {
	t.Parallel()
	g, _, _ := newGuard(t, DefaultConfig())
	ctx := context.Background()

	req := Request{User: "u", Trigger: notify.TriggerNewMatch, DedupKey: "m", Resolution: resolution("u", notify.TriggerNewMatch, notify.ChannelEmail)}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.Admit(ctx, req)
			if err == nil && d.Admitted {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestAdmitActorCap(t *testing.T) {
	t.Parallel()
	g, _, store := newGuard(t, DefaultConfig())
	ctx := context.Background()

	view := func(actor string, n int) Request {
		return Request{
			User: "u", Trigger: notify.TriggerProfileView, Actor: actor,
			DedupKey:   fmt.Sprintf("view:%s:%d", actor, n),
			Resolution: resolution("u", notify.TriggerProfileView, notify.ChannelPush),
		}
	}
	for i := 1; i <= 3; i++ {
		d, err := g.Admit(ctx, view("viewer-a", i))
		require.NoError(t, err)
		assert.True(t, d.Admitted, "view %d", i)
	}
	d, err := g.Admit(ctx, view("viewer-a", 4))
	require.NoError(t, err)
	assert.Equal(t, ReasonRateExceeded, d.Reason)

	d, err = g.Admit(ctx, view("viewer-b", 1))
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	// The denied attempt consumed nothing.
	v, _, err := store.Get(ctx, ActorKey("u", notify.TriggerProfileView, "viewer-a"))
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	ok, err := store.Exists(ctx, DedupKey("u", notify.TriggerProfileView, "view:viewer-a:4"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdmitWindowCapUsesUserOverride(t *testing.T) {
	t.Parallel()
	g, clk, _ := newGuard(t, DefaultConfig())
	ctx := context.Background()

	res := resolution("u", notify.TriggerShortlistAdded, notify.ChannelEmail)
	res.RateLimit = &notify.RateOverride{Max: 2}
	req := func(k string) Request {
		return Request{User: "u", Trigger: notify.TriggerShortlistAdded, DedupKey: k, Resolution: res}
	}

	for _, k := range []string{"a", "b"} {
		d, err := g.Admit(ctx, req(k))
		require.NoError(t, err)
		assert.True(t, d.Admitted)
	}
	d, err := g.Admit(ctx, req("c"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRateExceeded, d.Reason)

	clk.Set(time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC))
	d, err = g.Admit(ctx, req("c"))
	require.NoError(t, err)
	assert.True(t, d.Admitted, "new calendar day, and the denied key was released")
}

func TestAdmitHotReload(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DefaultMax = 1
	g, _, _ := newGuard(t, cfg)
	ctx := context.Background()

	req := func(k string) Request {
		return Request{User: "u", Trigger: notify.TriggerFavorited, DedupKey: k, Resolution: resolution("u", notify.TriggerFavorited, notify.ChannelPush)}
	}
	d, _ := g.Admit(ctx, req("1"))
	assert.True(t, d.Admitted)
	d, _ = g.Admit(ctx, req("2"))
	assert.False(t, d.Admitted)

	cfg.DefaultMax = 5
	g.Apply(cfg)
	d, _ = g.Admit(ctx, req("2"))
	assert.True(t, d.Admitted)
}

func TestWindow(t *testing.T) {
	t.Parallel()
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// 2026-04-15 05:30 UTC is 2026-04-14 22:30 in Los Angeles.
	at := time.Date(2026, 4, 15, 5, 30, 0, 0, time.UTC)

	b, end := Window(notify.PeriodDay, at, la)
	assert.Equal(t, "d20260414", b)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, la), end)

	b, end = Window(notify.PeriodHour, at, time.UTC)
	assert.Equal(t, "h2026041505", b)
	assert.Equal(t, time.Date(2026, 4, 15, 6, 0, 0, 0, time.UTC), end)

	// Wednesday; the ISO week starts Monday 13th.
	b, end = Window(notify.PeriodWeek, at, time.UTC)
	assert.Equal(t, "w202616", b)
	assert.Equal(t, time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC), end)
}
