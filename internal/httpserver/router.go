// Package httpserver is the ops API of a region.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"superpost/internal/region"
	"superpost/pkg/otel"
	"superpost/pkg/outbox"
	"superpost/pkg/trace"
)

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

type Options struct {
	Logger *zap.Logger
	// Ready maps a dependency name to its readiness probe.
	Ready map[string]Check
	// Outbox enables the outbox replay endpoints.
	Outbox *outbox.ReplayService
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(rg *region.Region, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Handler{region: rg, outbox: opts.Outbox, logger: opts.Logger}

	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), TraceMiddleware())

	// Health endpoints go first
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "region": rg.Config().Region})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readyz(opts.Ready))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/imports", h.Import)
	r.GET("/letters/:id", h.GetLetter)
	r.GET("/scoreboard/:name", h.GetScoreboard)

	r.GET("/executions/:id", h.DescribeExecution)
	r.POST("/executions/:id/stop", h.StopExecution)
	r.POST("/executions/:id/resume", h.ResumeExecution)

	r.GET("/deadletters", h.ListDeadLetters)
	r.POST("/deadletters/replay", h.ReplayDeadLetters)
	r.POST("/deadletters/:id/replay", h.ReplayDeadLetter)

	if opts.Outbox != nil {
		r.POST("/outbox/replay", h.ReplayFailedOutbox)
		r.POST("/outbox/:id/replay", h.ReplayOutbox)
	}

	return &Router{Engine: r}
}

func readyz(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// TraceMiddleware propagates X-Trace-ID or generates one.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := trace.WithContext(c.Request.Context(), c.GetHeader(trace.HeaderName))
		ctx, id := trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, id)
		c.Next()
	}
}

// Server wraps the engine in an http.Server with graceful shutdown.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, r *Router) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
