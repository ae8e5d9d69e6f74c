package models

import "time"

// Decision is a human-in-the-loop approval outcome.
type Decision string

// Decision constants.
const (
	DecisionApprove        Decision = "approve"
	DecisionRequestChanges Decision = "request_changes"
)

// Approval records a HITL decision for a gated stage.
type Approval struct {
	ID        string    `json:"approval_id"`
	JobID     string    `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Decision  Decision  `json:"decision"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
