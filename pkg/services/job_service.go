package services

import (
	"context"

	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/orchestrator"
	"github.com/agentbus/agentbus/pkg/store"
)

// CreateJobRequest is the POST /projects body.
type CreateJobRequest struct {
	ProjectID    string         `json:"project_id"`
	Requirements string         `json:"requirements"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// maxRequirementsLen bounds the free-text input accepted from clients.
const maxRequirementsLen = 64 * 1024

// JobService fronts the orchestrator for job lifecycle operations.
type JobService struct {
	store store.Store
	orch  *orchestrator.Orchestrator
	bus   *events.Bus
}

// NewJobService creates a new JobService.
func NewJobService(st store.Store, orch *orchestrator.Orchestrator, bus *events.Bus) *JobService {
	return &JobService{store: st, orch: orch, bus: bus}
}

// CreateJob validates the request and starts a new pipeline run.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if req.Requirements == "" {
		return nil, NewValidationError("requirements", "required")
	}
	if len(req.Requirements) > maxRequirementsLen {
		return nil, NewValidationError("requirements", "too long")
	}
	return s.orch.CreateJob(ctx, req.ProjectID, req.Requirements, req.Metadata)
}

// GetJob returns one job.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs newest first.
func (s *JobService) ListJobs(ctx context.Context, limit int, status models.JobStatus, projectID string) ([]*models.Job, error) {
	if limit < 0 {
		return nil, NewValidationError("limit", "must not be negative")
	}
	return s.store.ListJobs(ctx, limit, store.JobFilter{Status: status, ProjectID: projectID})
}

// DeleteJob removes a terminal job and everything it owns, including its
// event replay ring.
func (s *JobService) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.bus.DropJob(jobID)
	return nil
}

// ListTasks returns the job's full task history, retries included.
func (s *JobService) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, jobID)
}

// Approve unblocks the HITL gate.
func (s *JobService) Approve(ctx context.Context, jobID, notes string) (*models.Job, error) {
	return s.orch.Approve(ctx, jobID, notes)
}

// RequestChanges sends the PRD back with reviewer notes.
func (s *JobService) RequestChanges(ctx context.Context, jobID, notes string) (*models.Job, error) {
	if notes == "" {
		return nil, NewValidationError("notes", "required")
	}
	return s.orch.RequestChanges(ctx, jobID, notes)
}

// Cancel stops the job immediately.
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	return s.orch.Cancel(ctx, jobID, reason)
}

// Restart reopens a failed or cancelled job.
func (s *JobService) Restart(ctx context.Context, jobID string) (*models.Job, error) {
	return s.orch.Restart(ctx, jobID)
}
