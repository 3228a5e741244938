package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/notify"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, user string, trigger notify.Trigger, p notify.Payload) ([]string, error)
	Cancel(ctx context.Context, user string, trigger notify.Trigger, actor string) (int, error)
}

type Schedules interface {
	Create(ctx context.Context, sc notify.Schedule) (notify.Schedule, error)
	Update(ctx context.Context, sc notify.Schedule) (notify.Schedule, error)
	Enable(ctx context.Context, id string) (notify.Schedule, error)
	Disable(ctx context.Context, id string) (notify.Schedule, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (notify.Schedule, error)
	List(ctx context.Context, f notify.ScheduleFilter) ([]notify.Schedule, error)
	RunNow(ctx context.Context, id string) (string, error)
}

type Executions interface {
	Get(ctx context.Context, id string) (notify.Execution, error)
	List(ctx context.Context, f notify.ExecutionFilter) ([]notify.Execution, error)
	DeleteMany(ctx context.Context, ids []string) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type Jobs interface {
	Get(ctx context.Context, id string) (notify.Job, error)
	Failed(ctx context.Context, limit int) ([]notify.Job, error)
	Retry(ctx context.Context, id string) error
}

type Preferences interface {
	Get(ctx context.Context, user string) (notify.Preference, error)
	Put(ctx context.Context, p notify.Preference) error
}

type Presence interface {
	Connect(ctx context.Context, user string) error
	Heartbeat(ctx context.Context, user string) error
	Disconnect(ctx context.Context, user string) error
	LastSeen(ctx context.Context, user string) (time.Time, bool, error)
	Online(ctx context.Context) ([]string, error)
}

type Audit interface {
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// Deps are the components the routes act on. Nil members disable their
// route group.
type Deps struct {
	Dispatcher  Dispatcher
	Schedules   Schedules
	Executions  Executions
	Jobs        Jobs
	Preferences Preferences
	Presence    Presence
	Audit       Audit
	// Health returns supervisor snapshots keyed by component.
	Health func() map[string]rtsup.Snapshot
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLog())

	r.GET("/health", s.handleHealth())

	api := r.Group("/api/v1")
	if s.cfg.JWTSecret != "" {
		api.Use(jwtAuth(s.cfg.JWTSecret))
	}
	if s.deps.Dispatcher != nil {
		api.POST("/dispatch", s.handleDispatch())
		api.POST("/dispatch/cancel", s.handleCancel())
	}
	if s.deps.Schedules != nil {
		sc := api.Group("/schedules")
		sc.POST("", s.handleCreateSchedule())
		sc.GET("", s.handleListSchedules())
		sc.GET("/:id", s.handleGetSchedule())
		sc.PUT("/:id", s.handleUpdateSchedule())
		sc.DELETE("/:id", s.handleDeleteSchedule())
		sc.POST("/:id/enable", s.handleToggleSchedule(true))
		sc.POST("/:id/disable", s.handleToggleSchedule(false))
		sc.POST("/:id/run", s.handleRunSchedule())
	}
	if s.deps.Executions != nil {
		ex := api.Group("/executions")
		ex.GET("", s.handleListExecutions())
		ex.GET("/:id", s.handleGetExecution())
		ex.DELETE("", s.handleDeleteExecutions())
	}
	if s.deps.Jobs != nil {
		api.GET("/jobs/failed", s.handleFailedJobs())
		api.GET("/jobs/:id", s.handleGetJob())
		api.POST("/jobs/:id/retry", s.handleRetryJob())
	}
	if s.deps.Preferences != nil {
		api.GET("/preferences/:user", s.handleGetPreferences())
		api.PUT("/preferences/:user", s.handlePutPreferences())
	}
	if s.deps.Presence != nil {
		pr := api.Group("/presence")
		pr.GET("", s.handleOnline())
		pr.GET("/:user", s.handlePresence())
		pr.POST("/:user/connect", s.handlePresenceAction(s.deps.Presence.Connect))
		pr.POST("/:user/heartbeat", s.handlePresenceAction(s.deps.Presence.Heartbeat))
		pr.POST("/:user/disconnect", s.handlePresenceAction(s.deps.Presence.Disconnect))
	}
	if s.deps.Audit != nil {
		api.GET("/audit", s.handleAudit())
	}
	s.mountPprof(r)
	return r
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("subject", subject(c)),
		)
	}
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notify.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, notify.ErrUnknownTrigger),
		errors.Is(err, notify.ErrInvalidRecipient),
		errors.Is(err, notify.ErrInvalidSchedule):
		status = http.StatusBadRequest
	case errors.Is(err, notify.ErrAlreadyRunning),
		errors.Is(err, notify.ErrInvalidState),
		errors.Is(err, notify.ErrFinished):
		status = http.StatusConflict
	case errors.Is(err, notify.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if s.deps.Health != nil {
			loops := s.deps.Health()
			for _, snap := range loops {
				if snap.FirstError != "" {
					body["status"] = "degraded"
				}
			}
			body["loops"] = loops
		}
		c.JSON(http.StatusOK, body)
	}
}

type dispatchRequest struct {
	User     string            `json:"user" binding:"required"`
	Trigger  notify.Trigger    `json:"trigger" binding:"required"`
	DedupKey string            `json:"dedup_key"`
	Actor    string            `json:"actor"`
	Priority notify.Priority   `json:"priority"`
	Context  map[string]string `json:"context"`
}

func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dispatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.Priority != "" && !req.Priority.Valid() {
			badRequest(c, "unknown priority "+strconv.Quote(string(req.Priority)))
			return
		}
		ids, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), req.User, req.Trigger, notify.Payload{
			DedupKey: req.DedupKey,
			Actor:    req.Actor,
			Priority: req.Priority,
			Context:  req.Context,
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobs": nonNil(ids)})
	}
}

type cancelRequest struct {
	User    string         `json:"user" binding:"required"`
	Trigger notify.Trigger `json:"trigger" binding:"required"`
	Actor   string         `json:"actor" binding:"required"`
}

func (s *Server) handleCancel() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		n, err := s.deps.Dispatcher.Cancel(c.Request.Context(), req.User, req.Trigger, req.Actor)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"canceled": n})
	}
}

func (s *Server) handleCreateSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sc notify.Schedule
		if err := c.ShouldBindJSON(&sc); err != nil {
			badRequest(c, err.Error())
			return
		}
		if sc.Owner == "" {
			sc.Owner = subject(c)
		}
		out, err := s.deps.Schedules.Create(c.Request.Context(), sc)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, out)
	}
}

func (s *Server) handleListSchedules() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := notify.ScheduleFilter{Owner: c.Query("owner")}
		if v := c.Query("enabled"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				badRequest(c, "enabled must be a boolean")
				return
			}
			f.Enabled = &b
		}
		out, err := s.deps.Schedules.List(c.Request.Context(), f)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(out))
	}
}

func (s *Server) handleGetSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Schedules.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleUpdateSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sc notify.Schedule
		if err := c.ShouldBindJSON(&sc); err != nil {
			badRequest(c, err.Error())
			return
		}
		sc.ID = c.Param("id")
		out, err := s.deps.Schedules.Update(c.Request.Context(), sc)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleDeleteSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.deps.Schedules.Delete(c.Request.Context(), c.Param("id")); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleToggleSchedule(enable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			out notify.Schedule
			err error
		)
		if enable {
			out, err = s.deps.Schedules.Enable(c.Request.Context(), c.Param("id"))
		} else {
			out, err = s.deps.Schedules.Disable(c.Request.Context(), c.Param("id"))
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleRunSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.deps.Schedules.RunNow(c.Request.Context(), c.Param("id"))
		if err != nil && id == "" {
			s.fail(c, err)
			return
		}
		body := gin.H{"execution_id": id}
		if err != nil {
			body["error"] = err.Error()
		}
		c.JSON(http.StatusAccepted, body)
	}
}

func (s *Server) handleListExecutions() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := notify.ExecutionStatus(c.Query("status"))
		switch status {
		case "", notify.ExecutionRunning, notify.ExecutionSuccess, notify.ExecutionFailed:
		default:
			badRequest(c, "unknown status "+strconv.Quote(string(status)))
			return
		}
		out, err := s.deps.Executions.List(c.Request.Context(), notify.ExecutionFilter{
			ScheduleID: c.Query("schedule_id"),
			Status:     status,
			Limit:      limitParam(c),
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(out))
	}
}

func (s *Server) handleGetExecution() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Executions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

type deleteExecutionsRequest struct {
	IDs    []string   `json:"ids"`
	Before *time.Time `json:"before"`
}

// handleDeleteExecutions removes finished executions either by id or
// everything started before a cutoff. Exactly one must be given.
func (s *Server) handleDeleteExecutions() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deleteExecutionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if (len(req.IDs) == 0) == (req.Before == nil) {
			badRequest(c, "exactly one of ids or before is required")
			return
		}
		var (
			n   int
			err error
		)
		if req.Before != nil {
			n, err = s.deps.Executions.Purge(c.Request.Context(), *req.Before)
		} else {
			n, err = s.deps.Executions.DeleteMany(c.Request.Context(), req.IDs)
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n})
	}
}

func (s *Server) handleFailedJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Jobs.Failed(c.Request.Context(), limitParam(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(out))
	}
}

func (s *Server) handleGetJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Jobs.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleRetryJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.deps.Jobs.Retry(c.Request.Context(), id); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": notify.JobPending})
	}
}

func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.deps.Preferences.Get(c.Request.Context(), c.Param("user"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (s *Server) handlePutPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		var p notify.Preference
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err.Error())
			return
		}
		p.User = strings.TrimSpace(c.Param("user"))
		if err := p.Validate(); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := s.deps.Preferences.Put(c.Request.Context(), p); err != nil {
			s.fail(c, err)
			return
		}
		out, err := s.deps.Preferences.Get(c.Request.Context(), p.User)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handlePresenceAction(fn func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context(), c.Param("user")); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handlePresence() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.Param("user")
		seen, online, err := s.deps.Presence.LastSeen(c.Request.Context(), user)
		if err != nil {
			s.fail(c, err)
			return
		}
		body := gin.H{"user": user, "online": online}
		if online {
			body["last_seen"] = seen
		}
		c.JSON(http.StatusOK, body)
	}
}

func (s *Server) handleOnline() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := s.deps.Presence.Online(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": nonNil(users), "count": len(users)})
	}
}

func (s *Server) handleAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Audit.ListAudit(c.Request.Context(), limitParam(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(out))
	}
}

// nonNil keeps empty lists rendering as [] instead of null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
