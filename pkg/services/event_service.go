package services

import (
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/models"
)

// defaultHistoryLimit caps history reads when the client does not say.
const defaultHistoryLimit = 100

// EventService fronts the event bus for the API.
type EventService struct {
	bus *events.Bus
}

// NewEventService creates a new EventService.
func NewEventService(bus *events.Bus) *EventService {
	return &EventService{bus: bus}
}

// History returns up to limit ring-buffered events newer than sinceID,
// oldest first. The ring is bounded; this is not a durable audit log.
func (s *EventService) History(jobID string, sinceID int64, limit int) []models.Event {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	out := s.bus.History(jobID, sinceID, limit)
	if out == nil {
		out = []models.Event{}
	}
	return out
}

// Subscribe opens a live stream, optionally filtered to one job, with replay
// of events newer than sinceID. Pass a negative sinceID to skip replay.
func (s *EventService) Subscribe(jobID string, sinceID int64) *events.Subscription {
	return s.bus.Subscribe(jobID, sinceID)
}
