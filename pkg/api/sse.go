package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentbus/agentbus/pkg/models"
)

// SSE defaults applied when the config leaves them unset.
const (
	defaultHeartbeat    = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// handleEventStream handles GET /api/events/stream: one SSE connection per
// bus subscription, with Last-Event-ID replay on reconnect.
func (s *Server) handleEventStream(c *gin.Context) {
	jobID := c.Query("job_id")

	// Replay from the ring when the client tells us where it left off.
	sinceID := int64(-1)
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			sinceID = parsed
		}
	} else if raw := c.Query("since_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			sinceID = parsed
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(jobID, sinceID)
	defer sub.Close()
	s.metrics.SSESubscribers(1)
	defer s.metrics.SSESubscribers(-1)

	heartbeat := s.cfg.Heartbeat()
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	writeTimeout := s.cfg.WriteTimeout()
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	rc := http.NewResponseController(c.Writer)

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			if err := writeFrame(c, rc, flusher, writeTimeout, ": ping\n\n"); err != nil {
				return
			}
		case e, open := <-sub.C:
			if !open {
				return
			}
			frame, err := formatEvent(e)
			if err != nil {
				slog.Error("Failed to encode event for SSE", "event_id", e.ID, "error", err)
				continue
			}
			if err := writeFrame(c, rc, flusher, writeTimeout, frame); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one SSE frame under a write deadline. A slow client that
// blows the deadline gets dropped; it reconnects with Last-Event-ID.
func writeFrame(c *gin.Context, rc *http.ResponseController, flusher http.Flusher,
	timeout time.Duration, frame string) error {
	if err := rc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := c.Writer.WriteString(frame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// formatEvent renders the id/event/data SSE framing.
func formatEvent(e models.Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data), nil
}
