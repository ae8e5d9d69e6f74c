package models

import "time"

// Event is an observation emitted by the core. Events live in the bounded
// ring buffer for replay; they are not a durable audit log.
type Event struct {
	ID        int64          `json:"event_id"`
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	AgentKind AgentKind      `json:"agent_kind,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
