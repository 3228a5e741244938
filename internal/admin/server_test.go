package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/delivery"
	"notifyd/internal/dispatch"
	"notifyd/internal/ephemeral"
	"notifyd/internal/execution"
	"notifyd/internal/notify"
	"notifyd/internal/preference"
	"notifyd/internal/presence"
	"notifyd/internal/queue"
	"notifyd/internal/ratelimit"
	"notifyd/internal/recipients"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Midday UTC keeps dispatches clear of the default quiet hours.
var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type stack struct {
	srv *Server
	st  *storage.Store
	q   *queue.Service
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	now := func() time.Time { return fixedNow }

	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop(), storage.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mem := ephemeral.NewMemory(ephemeral.WithClock(now))
	prefs := preference.New(st, logx.Nop())
	guard := ratelimit.New(mem, ratelimit.DefaultConfig(), logx.Nop(), ratelimit.WithClock(now))
	q := queue.New(st, delivery.LogGateway{Log: logx.Nop()}, nil, queue.Config{}, logx.Nop(), queue.WithClock(now))
	d := dispatch.New(prefs, guard, q, nil, logx.Nop(), dispatch.WithClock(now))
	ex := execution.New(st, nil, logx.Nop(), execution.WithClock(now))
	pr := presence.New(mem, nil, presence.Config{}, logx.Nop(), presence.WithClock(now))
	reg := recipients.NewRegistry()
	sched := schedule.New(st, d, ex, reg, nil, schedule.Config{}, logx.Nop(), schedule.WithClock(now))

	srv := New(cfg, Deps{
		Dispatcher:  d,
		Schedules:   sched,
		Executions:  ex,
		Jobs:        q,
		Preferences: prefs,
		Presence:    pr,
		Audit:       st,
		Health: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"queue": {}}
		},
	}, logx.Nop())
	return &stack{srv: srv, st: st, q: q}
}

func (s *stack) do(t *testing.T, method, path string, body any, header ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestDispatchEndpoint(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, body := s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{
		"user": "ann", "trigger": "new_match", "dedup_key": "match:1",
	})
	require.Equal(t, http.StatusAccepted, code, string(body))
	out := decode[struct {
		Jobs []string `json:"jobs"`
	}](t, body)
	assert.Len(t, out.Jobs, 2, "email and push by default")
	assert.Equal(t, 2, s.q.Buffered())

	// Same dedup key again: admitted once only.
	code, body = s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{
		"user": "ann", "trigger": "new_match", "dedup_key": "match:1",
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"jobs":[]}`, string(body))

	code, _ = s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{"user": "ann", "trigger": "poke"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{"trigger": "new_match"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{
		"user": "ann", "trigger": "new_match", "priority": "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, _ := s.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{
		"user": "ann", "trigger": "new_match", "actor": "bob", "dedup_key": "m:bob",
	})
	require.Equal(t, http.StatusAccepted, code)

	code, body := s.do(t, http.MethodPost, "/api/v1/dispatch/cancel", map[string]any{
		"user": "ann", "trigger": "new_match", "actor": "bob",
	})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"canceled":2}`, string(body))
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, body := s.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":           "digest",
		"type":           "recurring",
		"recurrence":     map[string]any{"frequency": "daily", "time_of_day": "09:00", "timezone": "UTC"},
		"trigger":        "new_users_matching",
		"selector":       map[string]any{"name": "static", "params": map[string]string{"users": "a:90,b:80,c:70"}},
		"max_recipients": 2,
		"enabled":        true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	sc := decode[notify.Schedule](t, body)
	require.NotEmpty(t, sc.ID)
	require.NotNil(t, sc.NextDueAt)
	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), sc.NextDueAt.UTC())

	code, body = s.do(t, http.MethodGet, "/api/v1/schedules?enabled=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]notify.Schedule](t, body), 1)

	code, body = s.do(t, http.MethodPost, "/api/v1/schedules/"+sc.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[notify.Schedule](t, body).Enabled)

	code, body = s.do(t, http.MethodPost, "/api/v1/schedules/"+sc.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))
	run := decode[struct {
		ExecutionID string `json:"execution_id"`
	}](t, body)
	require.NotEmpty(t, run.ExecutionID)

	code, body = s.do(t, http.MethodGet, "/api/v1/executions/"+run.ExecutionID, nil)
	require.Equal(t, http.StatusOK, code)
	e := decode[notify.Execution](t, body)
	assert.Equal(t, notify.ExecutionSuccess, e.Status)
	assert.Equal(t, notify.TriggeredByManual, e.TriggeredBy)
	assert.Equal(t, 3, e.Counters.Matched)
	assert.Equal(t, 1, e.Counters.SkippedOverLimit)

	code, body = s.do(t, http.MethodGet, "/api/v1/executions?schedule_id="+sc.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]notify.Execution](t, body), 1)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, body = s.do(t, http.MethodDelete, "/api/v1/executions", map[string]any{"ids": []string{run.ExecutionID}})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"deleted":1}`, string(body))

	code, _ = s.do(t, http.MethodDelete, "/api/v1/schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateScheduleRejectsBadDefinition(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, _ := s.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name": "x", "type": "recurring", "trigger": "new_match",
		"recurrence": map[string]any{"frequency": "cron", "cron": "every tuesday"},
		"selector":   map[string]any{"name": "static"},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name": "x", "type": "one_time", "trigger": "new_match",
		"due_at":   fixedNow.Add(time.Hour),
		"selector": map[string]any{"name": "nobody_knows"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateScheduleDuplicateIDConflicts(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	def := map[string]any{
		"id":         "nightly",
		"name":       "nightly",
		"type":       "recurring",
		"recurrence": map[string]any{"frequency": "daily", "time_of_day": "02:00", "timezone": "UTC"},
		"trigger":    "new_match",
		"selector":   map[string]any{"name": "static"},
		"enabled":    true,
	}
	code, body := s.do(t, http.MethodPost, "/api/v1/schedules", def)
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = s.do(t, http.MethodPost, "/api/v1/schedules", def)
	assert.Equal(t, http.StatusConflict, code, string(body))
}

func TestFailedJobsAndRetry(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.st.InsertJobs(ctx, []notify.Job{{
		ID: "j1", Recipient: "ann", Trigger: notify.TriggerNewMatch, Channel: notify.ChannelEmail,
		Status: notify.JobFailed, AttemptCount: 3, LastError: "smtp 550",
	}}))

	code, body := s.do(t, http.MethodGet, "/api/v1/jobs/failed", nil)
	require.Equal(t, http.StatusOK, code)
	failed := decode[[]notify.Job](t, body)
	require.Len(t, failed, 1)
	assert.Equal(t, "smtp 550", failed[0].LastError)

	code, _ = s.do(t, http.MethodPost, "/api/v1/jobs/j1/retry", nil)
	require.Equal(t, http.StatusAccepted, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/jobs/j1/retry", nil)
	assert.Equal(t, http.StatusConflict, code, "already pending")
	code, _ = s.do(t, http.MethodPost, "/api/v1/jobs/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, notify.JobPending, decode[notify.Job](t, body).Status)
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, body := s.do(t, http.MethodGet, "/api/v1/preferences/ann", nil)
	require.Equal(t, http.StatusOK, code)
	def := decode[notify.Preference](t, body)
	assert.ElementsMatch(t, []notify.Channel{notify.ChannelEmail, notify.ChannelPush}, def.Triggers[notify.TriggerNewMatch])

	code, body = s.do(t, http.MethodPut, "/api/v1/preferences/ann", map[string]any{
		"triggers":    map[string][]string{"favorited": {"email"}},
		"quiet_hours": map[string]any{"enabled": false},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	saved := decode[notify.Preference](t, body)
	assert.Equal(t, "ann", saved.User)
	assert.Equal(t, []notify.Channel{notify.ChannelEmail}, saved.Triggers[notify.TriggerFavorited])
	assert.Empty(t, saved.Triggers[notify.TriggerNewMatch])

	code, _ = s.do(t, http.MethodPut, "/api/v1/preferences/ann", map[string]any{
		"triggers": map[string][]string{"favorited": {"pigeon"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPresenceEndpoints(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	code, _ := s.do(t, http.MethodPost, "/api/v1/presence/ann/connect", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/presence/ann/heartbeat", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body := s.do(t, http.MethodGet, "/api/v1/presence/ann", nil)
	require.Equal(t, http.StatusOK, code)
	st := decode[struct {
		Online   bool      `json:"online"`
		LastSeen time.Time `json:"last_seen"`
	}](t, body)
	assert.True(t, st.Online)
	assert.True(t, fixedNow.Equal(st.LastSeen))

	code, body = s.do(t, http.MethodGet, "/api/v1/presence", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"users":["ann"],"count":1}`, string(body))

	code, _ = s.do(t, http.MethodPost, "/api/v1/presence/ann/disconnect", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = s.do(t, http.MethodGet, "/api/v1/presence/ann", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"user":"ann","online":false}`, string(body))
}

func TestJWTGuardsAPI(t *testing.T) {
	t.Parallel()
	const secret = "test-secret"
	s := newStack(t, Config{JWTSecret: secret})

	code, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code, "health stays open")

	code, _ = s.do(t, http.MethodGet, "/api/v1/presence", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	bad, err := GenerateToken("other-secret", "ops", time.Minute)
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodGet, "/api/v1/presence", nil, "Authorization", "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := GenerateToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodGet, "/api/v1/presence", nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, code)

	good, err := GenerateToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodGet, "/api/v1/presence", nil, "Authorization", "Bearer "+good)
	assert.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name": "once", "type": "one_time", "trigger": "new_match",
		"due_at":   fixedNow.Add(time.Hour),
		"selector": map[string]any{"name": "static"},
	}, "Authorization", "Bearer "+good)
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.Equal(t, "ops", decode[notify.Schedule](t, body).Owner, "owner defaults to token subject")
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newStack(t, Config{})
	code, _ := off.do(t, http.MethodGet, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusNotFound, code)

	const secret = "test-secret"
	on := newStack(t, Config{JWTSecret: secret, Pprof: PprofConfig{
		Enabled: true, MutexProfileFraction: -1, BlockProfileRate: -1,
	}})
	code, _ = on.do(t, http.MethodGet, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, err := GenerateToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	code, _ = on.do(t, http.MethodGet, "/debug/pprof/cmdline", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, code)
	code, _ = on.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, code)
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{Addr: "127.0.0.1:0"})
	ctx := context.Background()
	require.NoError(t, s.srv.Start(ctx))

	resp, err := http.Get("http://" + s.srv.Addr() + "/health")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `"status":"ok"`)

	require.NoError(t, s.srv.Stop(ctx))
	assert.Empty(t, s.srv.Addr())
}

func TestServerRefusesOpenBindWithoutSecret(t *testing.T) {
	t.Parallel()
	srv := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrInsecureBind)
	assert.False(t, isLoopbackAddr(":8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
	assert.True(t, isLoopbackAddr("[::1]:8080"))
}
