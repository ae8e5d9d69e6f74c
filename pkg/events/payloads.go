package events

import "github.com/agentbus/agentbus/pkg/models"

// JobEvent builds a job lifecycle event (job_created, job_started,
// job_completed, job_failed, job_cancelled).
func JobEvent(typ string, job *models.Job) models.Event {
	data := map[string]any{
		"project_id": job.ProjectID,
		"status":     job.Status,
	}
	if job.FailureReason != "" {
		data["failure_reason"] = job.FailureReason
	}
	return models.Event{
		Type:  typ,
		JobID: job.ID,
		Stage: job.Stage,
		Data:  data,
	}
}

// StageEvent builds a stage_started / stage_completed event.
func StageEvent(typ, jobID string, stage models.Stage) models.Event {
	return models.Event{
		Type:  typ,
		JobID: jobID,
		Stage: stage,
		Data:  map[string]any{"stage": stage},
	}
}

// TaskEvent builds a task lifecycle event (task_started, task_completed,
// task_failed, task_completed_after_cancel).
func TaskEvent(typ string, task *models.Task) models.Event {
	data := map[string]any{
		"task_id":  task.ID,
		"status":   task.Status,
		"attempts": task.Attempts,
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	return models.Event{
		Type:      typ,
		JobID:     task.JobID,
		Stage:     task.Stage,
		AgentKind: task.AgentKind,
		Data:      data,
	}
}

// ApprovalEvent builds an approved / rejected / hitl_requested event.
func ApprovalEvent(typ, jobID string, stage models.Stage, notes string) models.Event {
	data := map[string]any{}
	if notes != "" {
		data["notes"] = notes
	}
	return models.Event{
		Type:  typ,
		JobID: jobID,
		Stage: stage,
		Data:  data,
	}
}

// AgentEvent builds a free-form diagnostic event emitted on behalf of an
// agent during execution.
func AgentEvent(jobID string, stage models.Stage, kind models.AgentKind, data map[string]any) models.Event {
	return models.Event{
		Type:      EventTypeAgentEvent,
		JobID:     jobID,
		Stage:     stage,
		AgentKind: kind,
		Data:      data,
	}
}
