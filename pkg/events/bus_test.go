package events

import (
	"testing"

	"github.com/agentbus/agentbus/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(subBuf int) *Bus {
	return NewBus(Options{PerJobRing: 100, GlobalRing: 200, SubscriberBuffer: subBuf})
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	bus := testBus(16)

	e1 := bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j1"})
	e2 := bus.Publish(models.Event{Type: EventTypeJobStarted, JobID: "j1"})

	assert.Greater(t, e2.ID, e1.ID)
	assert.False(t, e1.Timestamp.IsZero())
}

func TestSubscribeReceivesInPublishOrder(t *testing.T) {
	bus := testBus(16)
	sub := bus.Subscribe("j1", 0)
	defer sub.Close()

	bus.Publish(models.Event{Type: EventTypeStageStarted, JobID: "j1", Stage: models.StagePRDGeneration})
	bus.Publish(models.Event{Type: EventTypeStageCompleted, JobID: "j1", Stage: models.StagePRDGeneration})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, EventTypeStageStarted, first.Type)
	assert.Equal(t, EventTypeStageCompleted, second.Type)
	assert.Less(t, first.ID, second.ID)
}

func TestJobFilterExcludesOtherJobs(t *testing.T) {
	bus := testBus(16)
	sub := bus.Subscribe("j1", 0)
	defer sub.Close()

	bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j2"})
	bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j1"})

	got := <-sub.C
	assert.Equal(t, "j1", got.JobID)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestFullBufferDropsOldestAndInsertsMarker(t *testing.T) {
	bus := testBus(2)
	sub := bus.Subscribe("j1", 0)
	defer sub.Close()

	// Fill the buffer, then publish one more to force the drop policy.
	bus.Publish(models.Event{Type: EventTypeTaskStarted, JobID: "j1"})
	bus.Publish(models.Event{Type: EventTypeTaskCompleted, JobID: "j1"})
	bus.Publish(models.Event{Type: EventTypeStageCompleted, JobID: "j1"})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, EventTypeDropped, first.Type)
	assert.Equal(t, EventTypeStageCompleted, second.Type)
	assert.Positive(t, bus.Dropped())
}

func TestHistoryReplaysFromRing(t *testing.T) {
	bus := testBus(16)

	e1 := bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j1"})
	bus.Publish(models.Event{Type: EventTypeStageStarted, JobID: "j1"})
	bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j2"})

	hist := bus.History("j1", 0, 0)
	require.Len(t, hist, 2)
	assert.Equal(t, EventTypeJobCreated, hist[0].Type)

	// since filter
	hist = bus.History("j1", e1.ID, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, EventTypeStageStarted, hist[0].Type)

	// global ring sees both jobs
	assert.Len(t, bus.History("", 0, 0), 3)
}

func TestSubscribeWithReplay(t *testing.T) {
	bus := testBus(16)

	e1 := bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j1"})
	bus.Publish(models.Event{Type: EventTypeStageStarted, JobID: "j1"})

	// Reconnect newer than e1: only the second event replays.
	sub := bus.Subscribe("j1", e1.ID)
	defer sub.Close()

	got := <-sub.C
	assert.Equal(t, EventTypeStageStarted, got.Type)
}

func TestDropJobDiscardsRing(t *testing.T) {
	bus := testBus(16)
	bus.Publish(models.Event{Type: EventTypeJobCreated, JobID: "j1"})
	bus.DropJob("j1")
	assert.Empty(t, bus.History("j1", 0, 0))
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := testBus(16)
	sub := bus.Subscribe("", 0)
	sub.Close()
	sub.Close()
	assert.Zero(t, bus.Subscribers())
}

func TestRingEviction(t *testing.T) {
	r := newRing(3)
	for i := int64(1); i <= 5; i++ {
		r.append(models.Event{ID: i})
	}
	got := r.since(0, 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(5), got[2].ID)

	// limit keeps the newest entries
	got = r.since(0, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
}
