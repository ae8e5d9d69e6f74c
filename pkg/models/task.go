package models

import "time"

// TaskStatus represents the lifecycle state of a task.
// Transitions are monotonic: queued → in_progress → {succeeded | failed}.
type TaskStatus string

// Task status constants.
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the task has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// AgentKind identifies which stage's work a task performs.
// Maps 1:1 to an Agent implementation in the registry.
type AgentKind string

// Agent kind constants, one per pipeline stage that executes work.
const (
	AgentKindPRD           AgentKind = "prd"
	AgentKindPlan          AgentKind = "plan"
	AgentKindArchitect     AgentKind = "architect"
	AgentKindUIUX          AgentKind = "uiux"
	AgentKindDeveloper     AgentKind = "developer"
	AgentKindQA            AgentKind = "qa"
	AgentKindSecurity      AgentKind = "security"
	AgentKindDocumentation AgentKind = "documentation"
	AgentKindSupport       AgentKind = "support"
	AgentKindPMReview      AgentKind = "pm_review"
	AgentKindDelivery      AgentKind = "delivery"
)

// Well-known input_data keys. Unknown keys are passed through untouched.
const (
	InputKeyRequirements  = "requirements"
	InputKeyRevisionNotes = "revision_notes"
	InputKeyMLRequired    = "ml_required"
)

// Task is one unit of agent work. Retries create a new Task row rather than
// mutating a failed one, so the full attempt history is preserved.
type Task struct {
	ID         string         `json:"task_id"`
	JobID      string         `json:"job_id"`
	Stage      Stage          `json:"stage"`
	AgentKind  AgentKind      `json:"agent_kind"`
	Status     TaskStatus     `json:"status"`
	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	Attempts   int            `json:"attempts"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// MLRequired reports whether the task's input flags it for the GPU queue.
func (t *Task) MLRequired() bool {
	v, ok := t.InputData[InputKeyMLRequired].(bool)
	return ok && v
}
