// Package api serves the management HTTP surface of a running daemon.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/engine"
	rcontext "github.com/revenant/revenant/pkg/context"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Deploy(ctx context.Context, kind types.ArtifactKind, location string) error
	Undeploy(ctx context.Context, kind types.ArtifactKind, name string) error
	Redeploy(ctx context.Context, kind types.ArtifactKind, name string) error
	Reconcile(ctx context.Context) error
	Artifacts(kind types.ArtifactKind) []engine.Artifact
	ListDeployed(kind types.ArtifactKind) []engine.Artifact
	Zombies(kind types.ArtifactKind) map[string]time.Time
}

// Server exposes a Controller over HTTP.
type Server struct {
	controller Controller
	logger     logger.Logger
	router     *gin.Engine
	started    time.Time
	metrics    bool

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// DeployRequest is the body of POST /:kind.
type DeployRequest struct {
	Location string `json:"location" binding:"required"`
}

// NewServer builds the router. /metrics is only mounted when withMetrics is set.
func NewServer(controller Controller, log logger.Logger, withMetrics bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	s := &Server{
		controller: controller,
		logger:     log,
		router:     r,
		started:    time.Now(),
		metrics:    withMetrics,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	if s.metrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.router.POST("/reconcile", func(c *gin.Context) {
		ctx := rcontext.WithTrigger(c.Request.Context(), rcontext.TriggerAPI)
		if err := s.controller.Reconcile(ctx); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	kinds := s.router.Group("/:kind", s.parseKind)
	kinds.GET("", func(c *gin.Context) {
		kind := c.MustGet("kind").(types.ArtifactKind)
		list := s.controller.Artifacts(kind)
		if c.Query("deployed") == "true" {
			list = s.controller.ListDeployed(kind)
		}
		c.JSON(http.StatusOK, gin.H{"artifacts": list})
	})

	kinds.GET("/zombies", func(c *gin.Context) {
		kind := c.MustGet("kind").(types.ArtifactKind)
		c.JSON(http.StatusOK, gin.H{"zombies": s.controller.Zombies(kind)})
	})

	kinds.POST("", func(c *gin.Context) {
		kind := c.MustGet("kind").(types.ArtifactKind)
		var req DeployRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// Remote callers may only hand over archives, never arbitrary host directories.
		if !artifact.IsArchive(req.Location) {
			s.fail(c, fmt.Errorf("%w: %s is not a %s archive", types.ErrInvalidArgument, req.Location, artifact.ArchiveExt))
			return
		}
		if err := s.controller.Deploy(s.opContext(c), kind, req.Location); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deployed", "location": req.Location})
	})

	kinds.POST("/:name/redeploy", func(c *gin.Context) {
		kind := c.MustGet("kind").(types.ArtifactKind)
		name := c.Param("name")
		if err := s.controller.Redeploy(s.opContext(c), kind, name); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "redeployed", "name": name})
	})

	kinds.DELETE("/:name", func(c *gin.Context) {
		kind := c.MustGet("kind").(types.ArtifactKind)
		name := c.Param("name")
		if err := s.controller.Undeploy(s.opContext(c), kind, name); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "undeployed", "name": name})
	})
}

func (s *Server) parseKind(c *gin.Context) {
	kind, err := types.ParseArtifactKind(c.Param("kind"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Set("kind", kind)
	c.Next()
}

func (s *Server) opContext(c *gin.Context) context.Context {
	ctx := rcontext.WithTrigger(c.Request.Context(), rcontext.TriggerAPI)
	return rcontext.WithRequestID(ctx, c.GetHeader("X-Request-ID"))
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{"error": err.Error()})
}

// StatusFor maps an orchestrator error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrBuild),
		errors.Is(err, types.ErrStart),
		errors.Is(err, types.ErrDomainUnavailable),
		errors.Is(err, types.ErrCorruptArchive),
		errors.Is(err, types.ErrInvalidDescriptor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.http != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.http
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", logger.WithError(err))
		}
	}()

	s.logger.Info("API listening", logger.WithField("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fields := []logger.Field{
			logger.WithField("method", c.Request.Method),
			logger.WithField("path", path),
			logger.WithField("status", status),
			logger.WithField("duration", time.Since(start).String()),
		}
		switch {
		case status >= 500:
			log.Error("http_request", fields...)
		case status >= 400:
			log.Warn("http_request", fields...)
		default:
			log.Debug("http_request", fields...)
		}
	}
}
