// Package api exposes the HTTP and WebSocket surface of the engine.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus-core/pkg/analytics"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/jobs"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/orchestrator"
	"github.com/adverant/nexus-core/pkg/pool"
	"github.com/adverant/nexus-core/pkg/stream"
	"github.com/adverant/nexus-core/pkg/taskqueue"
	"github.com/adverant/nexus-core/pkg/version"
)

// healthCheckTimeout bounds each dependency probe inside the health handler.
const healthCheckTimeout = 5 * time.Second

// Server is the HTTP front door. All state lives in its collaborators.
type Server struct {
	cfg *config.Config

	orch      *orchestrator.Orchestrator
	jobsMgr   *jobs.Manager
	hub       *stream.Hub
	queue     *taskqueue.Queue
	agents    *pool.Pool
	jobStore  *jobstore.Store
	analytics *analytics.Store
}

// Deps bundles the server's collaborators. Analytics may be nil when no
// database is configured; the health handler reports it as disabled.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Jobs         *jobs.Manager
	Hub          *stream.Hub
	Queue        *taskqueue.Queue
	AgentPool    *pool.Pool
	JobStore     *jobstore.Store
	Analytics    *analytics.Store
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		orch:      d.Orchestrator,
		jobsMgr:   d.Jobs,
		hub:       d.Hub,
		queue:     d.Queue,
		agents:    d.AgentPool,
		jobStore:  d.JobStore,
		analytics: d.Analytics,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/api/v1/health", s.Health)
	r.GET("/ws", s.handleWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", s.CreateTask)
		v1.GET("/tasks/:id", s.TaskStatus)
		v1.POST("/tasks/:id/cancel", s.CancelTask)

		v1.POST("/jobs", s.CreateJob)
		v1.GET("/jobs/:id", s.JobStatus)

		v1.GET("/retry/effectiveness", s.RetryEffectiveness)
	}
	return r
}

// HTTPServer wraps the router in an http.Server bound to the configured
// address, ready for graceful shutdown by the caller.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.System.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Health reports liveness of the engine and its dependencies.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy := true
	deps := gin.H{}

	if err := s.jobStore.Ping(ctx); err != nil {
		healthy = false
		deps["redis"] = gin.H{"status": "down", "error": err.Error()}
	} else {
		deps["redis"] = gin.H{"status": "up"}
	}

	if s.analytics == nil {
		deps["analytics"] = gin.H{"status": "disabled"}
	} else if err := s.analytics.Ping(ctx); err != nil {
		healthy = false
		deps["analytics"] = gin.H{"status": "down", "error": err.Error()}
	} else {
		deps["analytics"] = gin.H{"status": "up"}
	}

	metrics := s.agents.GetMetrics()
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"version": version.GitCommit,
		"dependencies": deps,
		"queue": gin.H{
			"depth":   s.queue.Depth(),
			"running": s.queue.Running(),
		},
		"pool": gin.H{
			"total":  metrics.Total,
			"active": metrics.Active,
			"idle":   metrics.Idle,
		},
		"stream": gin.H{
			"sessions": s.hub.SessionCount(),
		},
		"tasks": s.orch.TaskCount(),
	})
}
