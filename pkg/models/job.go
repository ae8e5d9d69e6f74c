package models

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status constants.
const (
	JobStatusQueued             JobStatus = "queued"
	JobStatusRunning            JobStatus = "running"
	JobStatusWaitingForApproval JobStatus = "waiting_for_approval"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCancelled          JobStatus = "cancelled"
)

// IsTerminal reports whether the status is terminal: no further tasks may be
// enqueued against a job in this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Stage is a node in the fixed pipeline graph.
type Stage string

// Pipeline stages in graph order. WaitingForApproval is the HITL gate that
// follows PRDGeneration; Documentation and SupportDocs run in parallel.
const (
	StageInitialization     Stage = "initialization"
	StagePRDGeneration      Stage = "prd_generation"
	StageWaitingForApproval Stage = "waiting_for_approval"
	StagePlanGeneration     Stage = "plan_generation"
	StageArchitectureDesign Stage = "architecture_design"
	StageUIUXDesign         Stage = "uiux_design"
	StageDevelopment        Stage = "development"
	StageQATesting          Stage = "qa_testing"
	StageSecurityReview     Stage = "security_review"
	StageDocumentation      Stage = "documentation"
	StageSupportDocs        Stage = "support_docs"
	StagePMReview           Stage = "pm_review"
	StageDelivery           Stage = "delivery"
	StageCompleted          Stage = "completed"
)

// Job represents a single end-to-end pipeline run.
type Job struct {
	ID            string         `json:"job_id"`
	ProjectID     string         `json:"project_id"`
	Status        JobStatus      `json:"status"`
	Stage         Stage          `json:"stage"`
	Requirements  string         `json:"requirements"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
