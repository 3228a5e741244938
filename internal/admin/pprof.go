package admin

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"

	"github.com/gin-gonic/gin"

	logx "notifyd/pkg/logx"
)

// PprofConfig mounts the runtime profiler under /debug/pprof. It shares the
// admin listener and bearer guard.
type PprofConfig struct {
	Enabled bool

	// Negative rates keep the Go defaults.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func applyRuntimeRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func (s *Server) mountPprof(r *gin.Engine) {
	if !s.cfg.Pprof.Enabled {
		return
	}
	applyRuntimeRates(s.cfg.Pprof)

	g := r.Group("/debug/pprof")
	if s.cfg.JWTSecret != "" {
		g.Use(jwtAuth(s.cfg.JWTSecret))
	}
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles: heap, goroutine, allocs, block, mutex, threadcreate.
	g.GET("/:name", func(c *gin.Context) {
		name := c.Param("name")
		if name == "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	})
	s.log.Info("pprof mounted", logx.String("prefix", "/debug/pprof"), logx.Bool("guarded", s.cfg.JWTSecret != ""))
}
