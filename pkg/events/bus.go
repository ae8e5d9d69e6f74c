package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/models"
)

// Options sizes the bus buffers.
type Options struct {
	// PerJobRing is the ring capacity kept per job for replay.
	PerJobRing int
	// GlobalRing is the ring capacity across all jobs.
	GlobalRing int
	// SubscriberBuffer is the bounded channel size per subscription.
	SubscriberBuffer int
}

// DefaultOptions returns the built-in buffer sizes.
func DefaultOptions() Options {
	return Options{PerJobRing: 1000, GlobalRing: 10000, SubscriberBuffer: 256}
}

// Bus is the in-process pub/sub hub. Publish never blocks: when a
// subscriber's buffer is full, the oldest buffered event is dropped and a
// dropped_event marker is inserted in its place.
//
// Events for a given job are observed by any single subscriber in publish
// order. No global order across jobs is guaranteed to subscribers, though
// event IDs are process-wide monotonic.
type Bus struct {
	opts Options

	mu      sync.Mutex
	nextID  int64
	global  *ring
	perJob  map[string]*ring
	subs    map[*Subscription]struct{}
	dropped int64
}

// Subscription is one subscriber's live stream. Events arrive on C until
// Close is called. A subscription with a JobID filter receives only that
// job's events; otherwise it receives everything.
type Subscription struct {
	// C delivers events in publish order (per job).
	C <-chan models.Event

	jobID string
	ch    chan models.Event
	bus   *Bus
	once  sync.Once
}

// NewBus creates an event bus with the given buffer sizes.
func NewBus(opts Options) *Bus {
	if opts.PerJobRing <= 0 || opts.GlobalRing <= 0 || opts.SubscriberBuffer <= 0 {
		opts = DefaultOptions()
	}
	return &Bus{
		opts:   opts,
		global: newRing(opts.GlobalRing),
		perJob: make(map[string]*ring),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish assigns the event a monotonic ID and timestamp, records it in the
// replay rings, and fans it out to matching subscribers without blocking.
func (b *Bus) Publish(e models.Event) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	e.ID = b.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.global.append(e)
	if e.JobID != "" {
		r, ok := b.perJob[e.JobID]
		if !ok {
			r = newRing(b.opts.PerJobRing)
			b.perJob[e.JobID] = r
		}
		r.append(e)
	}

	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		b.deliver(sub, e)
	}
	return e
}

// deliver sends e to one subscriber. Caller holds b.mu, which makes this the
// only writer on sub.ch: after draining, non-blocking sends cannot fail.
func (b *Bus) deliver(sub *Subscription, e models.Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}

	// Buffer full: drop the two oldest buffered events to make room for the
	// marker plus the new event. The reader only ever removes entries, so the
	// freed slots stay free until we fill them below.
	droppedN := 0
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
			droppedN++
		default:
		}
	}
	b.dropped += int64(droppedN)
	slog.Warn("Subscriber buffer full, dropping oldest events",
		"job_id", sub.jobID, "dropped", droppedN)

	b.nextID++
	marker := models.Event{
		ID:        b.nextID,
		Type:      EventTypeDropped,
		JobID:     e.JobID,
		Data:      map[string]any{"dropped": droppedN},
		Timestamp: time.Now().UTC(),
	}
	select {
	case sub.ch <- marker:
	default:
	}
	select {
	case sub.ch <- e:
	default:
	}
}

// Subscribe registers a live stream. jobID filters to one job; empty means
// all jobs. sinceID >= 0 requests a replay of ring-buffer history newer than
// that ID, delivered on C before any live events (capped at the subscriber
// buffer size); pass a negative sinceID to skip replay.
func (b *Bus) Subscribe(jobID string, sinceID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan models.Event, b.opts.SubscriberBuffer),
		bus:   b,
	}
	sub.C = sub.ch

	if sinceID >= 0 {
		for _, e := range b.historyLocked(jobID, sinceID, b.opts.SubscriberBuffer) {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}

	b.subs[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// History returns up to limit buffered events newer than sinceID, oldest
// first. jobID empty reads the global ring. Pass sinceID 0 for everything
// still buffered. This reads the ring only — it is not a durable audit log.
func (b *Bus) History(jobID string, sinceID int64, limit int) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyLocked(jobID, sinceID, limit)
}

func (b *Bus) historyLocked(jobID string, sinceID int64, limit int) []models.Event {
	if jobID == "" {
		return b.global.since(sinceID, limit)
	}
	r, ok := b.perJob[jobID]
	if !ok {
		return nil
	}
	return r.since(sinceID, limit)
}

// DropJob discards the per-job ring when a job is deleted.
func (b *Bus) DropJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perJob, jobID)
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped from subscriber
// buffers since process start.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
