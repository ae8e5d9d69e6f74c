package events

import "github.com/agentbus/agentbus/pkg/models"

// ring is a fixed-capacity append-only buffer of events. Oldest entries are
// evicted when capacity is reached. Not safe for concurrent use — the Bus
// serializes access under its own lock.
type ring struct {
	buf   []models.Event
	start int // index of oldest entry
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.Event, capacity)}
}

// append adds an event, evicting the oldest entry when full.
func (r *ring) append(e models.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// since returns up to limit events with ID greater than sinceID, oldest
// first. limit <= 0 means no limit.
func (r *ring) since(sinceID int64, limit int) []models.Event {
	var out []models.Event
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.ID <= sinceID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
