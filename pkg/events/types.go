// Package events provides the in-process event bus: non-blocking publish,
// per-subscriber bounded buffers, and bounded ring buffers that replay
// recent history to late subscribers.
package events

// Event types emitted by the core. The set is exhaustive; consumers may
// switch on these without a default arm for forward compatibility concerns.
const (
	EventTypeJobCreated   = "job_created"
	EventTypeJobStarted   = "job_started"
	EventTypeJobCompleted = "job_completed"
	EventTypeJobFailed    = "job_failed"
	EventTypeJobCancelled = "job_cancelled"

	EventTypeStageStarted   = "stage_started"
	EventTypeStageCompleted = "stage_completed"

	EventTypeTaskStarted              = "task_started"
	EventTypeTaskCompleted            = "task_completed"
	EventTypeTaskFailed               = "task_failed"
	EventTypeTaskCompletedAfterCancel = "task_completed_after_cancel"

	EventTypeHITLRequested = "hitl_requested"
	EventTypeApproved      = "approved"
	EventTypeRejected      = "rejected"

	// EventTypeAgentEvent carries free-form diagnostics from agents.
	EventTypeAgentEvent = "agent_event"

	// EventTypeDropped is the marker inserted into a subscriber's stream in
	// place of events dropped because its buffer was full.
	EventTypeDropped = "dropped_event"
)
