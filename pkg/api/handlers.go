package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/services"
)

// decisionRequest is the body for approve / request_changes / cancel.
type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// bindOptional parses the JSON body when one is present; an empty body is
// fine for endpoints whose fields are all optional.
func bindOptional(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// handleCreateJob handles POST /api/projects.
func (s *Server) handleCreateJob(c *gin.Context) {
	var req services.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := s.jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// handleListJobs handles GET /api/projects.
func (s *Server) handleListJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	jobs, err := s.jobs.ListJobs(c.Request.Context(), limit,
		models.JobStatus(c.Query("status")), c.Query("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// handleGetJob handles GET /api/projects/:job_id.
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleDeleteJob handles DELETE /api/projects/:job_id.
func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.jobs.DeleteJob(c.Request.Context(), c.Param("job_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleListArtifacts handles GET /api/projects/:job_id/artifacts, returning
// the latest artifact per type.
func (s *Server) handleListArtifacts(c *gin.Context) {
	artifacts, err := s.artifacts.ListLatest(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// handleGetArtifact handles GET /api/projects/:job_id/artifacts/:type.
func (s *Server) handleGetArtifact(c *gin.Context) {
	artifact, err := s.artifacts.GetLatest(c.Request.Context(),
		c.Param("job_id"), models.ArtifactType(c.Param("type")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

// handleListTasks handles GET /api/projects/:job_id/tasks, the full attempt
// history including superseded tasks.
func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.jobs.ListTasks(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// handleGetUsage handles GET /api/projects/:job_id/usage.
func (s *Server) handleGetUsage(c *gin.Context) {
	usage, err := s.usage.GetUsage(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleApprove handles POST /api/projects/:job_id/approve.
func (s *Server) handleApprove(c *gin.Context) {
	var req decisionRequest
	if !bindOptional(c, &req) {
		return
	}
	job, err := s.jobs.Approve(c.Request.Context(), c.Param("job_id"), req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleRequestChanges handles POST /api/projects/:job_id/request_changes.
func (s *Server) handleRequestChanges(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	job, err := s.jobs.RequestChanges(c.Request.Context(), c.Param("job_id"), req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleRestart handles POST /api/projects/:job_id/restart.
func (s *Server) handleRestart(c *gin.Context) {
	job, err := s.jobs.Restart(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCancel handles POST /api/projects/:job_id/cancel.
func (s *Server) handleCancel(c *gin.Context) {
	var req decisionRequest
	if !bindOptional(c, &req) {
		return
	}
	job, err := s.jobs.Cancel(c.Request.Context(), c.Param("job_id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleEventHistory handles GET /api/events/history.
func (s *Server) handleEventHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}
	sinceID := int64(0)
	if raw := c.Query("since_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since_id must be an integer"})
			return
		}
		sinceID = parsed
	}

	c.JSON(http.StatusOK, gin.H{"events": s.events.History(c.Query("job_id"), sinceID, limit)})
}

// handleRequeueOrphans handles POST /api/admin/requeue-orphans, the operator
// recovery path for tasks stranded by a worker crash.
func (s *Server) handleRequeueOrphans(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker pool not running"})
		return
	}
	n, err := s.pool.RequeueOrphans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}
