package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus-core/pkg/jobs"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/orchestrator"
	"github.com/adverant/nexus-core/pkg/tenant"
)

// tenantFrom builds the tenant context from request headers. Every write
// downstream is keyed by it, so a missing company or app ID is a 400.
func tenantFrom(c *gin.Context) tenant.Context {
	tc := tenant.New(
		c.GetHeader("X-Company-ID"),
		c.GetHeader("X-App-ID"),
		c.GetHeader("X-User-ID"),
	)
	if corr := c.GetHeader("X-Correlation-ID"); corr != "" {
		tc = tc.WithCorrelation(corr)
	}
	return tc
}

// CreateTaskRequest is the body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Task      string          `json:"task" binding:"required"`
	Type      models.TaskType `json:"type"`
	TaskID    string          `json:"task_id"`
	ThreadID  string          `json:"thread_id"`
	SessionID string          `json:"session_id"`
	TimeoutMs int64           `json:"timeout_ms"`
	Stream    bool            `json:"stream"`

	MaxAgents            int      `json:"max_agents"`
	RequiredCapabilities []string `json:"required_capabilities"`
	PreferredProviders   []string `json:"preferred_providers"`
}

// CreateTask handles POST /api/v1/tasks.
func (s *Server) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.orch.SubmitTask(c.Request.Context(), orchestrator.SubmitInput{
		Task: req.Task,
		Options: orchestrator.SubmitOptions{
			Type:      req.Type,
			TaskID:    req.TaskID,
			ThreadID:  req.ThreadID,
			SessionID: req.SessionID,
			Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
			Stream:    req.Stream,
			Tenant:    tenantFrom(c),
			Constraints: models.Constraints{
				MaxAgents:            req.MaxAgents,
				RequiredCapabilities: req.RequiredCapabilities,
				PreferredProviders:   req.PreferredProviders,
			},
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// TaskStatus handles GET /api/v1/tasks/:id.
func (s *Server) TaskStatus(c *gin.Context) {
	snap, err := s.orch.GetTaskStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CancelTask handles POST /api/v1/tasks/:id/cancel.
func (s *Server) CancelTask(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "status": models.TaskStatusCancelled})
}

// CreateJobRequest is the body for POST /api/v1/jobs. Params are handed to
// the registered processor untouched.
type CreateJobRequest struct {
	Type   models.TaskType `json:"type" binding:"required"`
	TaskID string          `json:"task_id"`
	Params json.RawMessage `json:"params"`
}

// CreateJob handles POST /api/v1/jobs: durable, worker-processed tasks.
func (s *Server) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.jobsMgr.CreateTask(c.Request.Context(), req.Type, req.Params, jobs.CreateOptions{
		TaskID: req.TaskID,
		Tenant: tenantFrom(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": models.TaskStatusPending})
}

// JobStatus handles GET /api/v1/jobs/:id.
func (s *Server) JobStatus(c *gin.Context) {
	job, err := s.jobsMgr.GetTaskStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// RetryEffectiveness handles GET /api/v1/retry/effectiveness.
func (s *Server) RetryEffectiveness(c *gin.Context) {
	if s.analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics store not configured"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.analytics.EffectivenessReport(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": rows})
}
