package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/pkg/agent"
	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/mlrouter"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/orchestrator"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/store"
)

type fixture struct {
	store     store.Store
	bus       *events.Bus
	jobs      *JobService
	artifacts *ArtifactService
	eventsSvc *EventService
	usage     *UsageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	bus := events.NewBus(events.DefaultOptions())
	registry, err := agent.NewRegistry(agent.DefaultAgents()...)
	require.NoError(t, err)
	q := queue.NewTaskQueue(time.Minute)
	t.Cleanup(q.Close)

	orch := orchestrator.New(st, q, bus, registry, mlrouter.Static(false), config.OrchestratorConfig{}, nil)
	return &fixture{
		store:     st,
		bus:       bus,
		jobs:      NewJobService(st, orch, bus),
		artifacts: NewArtifactService(st),
		eventsSvc: NewEventService(bus),
		usage:     NewUsageService(st),
	}
}

func TestCreateJobValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateJobRequest
		field string
	}{
		{"missing project_id", CreateJobRequest{Requirements: "build it"}, "project_id"},
		{"missing requirements", CreateJobRequest{ProjectID: "p1"}, "requirements"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.jobs.CreateJob(ctx, tt.req)
			require.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestCreateJobStartsPipeline(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job, err := fx.jobs.CreateJob(ctx, CreateJobRequest{
		ProjectID:    "p1",
		Requirements: "build a notes app",
		Metadata:     map[string]any{"origin": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	// No workers in this fixture: the first task stays queued in the store.
	tasks, err := fx.jobs.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StagePRDGeneration, tasks[0].Stage)
	assert.Equal(t, models.TaskStatusQueued, tasks[0].Status)
}

func TestGetJobNotFound(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.jobs.GetJob(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestDeleteJobDropsEventRing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job, err := fx.jobs.CreateJob(ctx, CreateJobRequest{ProjectID: "p1", Requirements: "build it"})
	require.NoError(t, err)

	// Non-terminal jobs may not be deleted.
	err = fx.jobs.DeleteJob(ctx, job.ID)
	assert.True(t, IsConflict(err))

	_, err = fx.jobs.Cancel(ctx, job.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, fx.eventsSvc.History(job.ID, 0, 10))

	require.NoError(t, fx.jobs.DeleteJob(ctx, job.ID))
	_, err = fx.jobs.GetJob(ctx, job.ID)
	assert.True(t, IsNotFound(err))
	assert.Empty(t, fx.eventsSvc.History(job.ID, 0, 10))
}

func TestCancelDefaultsReason(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job, err := fx.jobs.CreateJob(ctx, CreateJobRequest{ProjectID: "p1", Requirements: "build it"})
	require.NoError(t, err)

	cancelled, err := fx.jobs.Cancel(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled by user", cancelled.FailureReason)
}

func TestRequestChangesRequiresNotes(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.jobs.RequestChanges(context.Background(), "any", "")
	assert.True(t, IsValidationError(err))
}

func TestArtifactTypeValidation(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.artifacts.GetLatest(context.Background(), "j1", "bogus")
	assert.True(t, IsValidationError(err))
}

func TestArtifactLatestWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job, err := fx.jobs.CreateJob(ctx, CreateJobRequest{ProjectID: "p1", Requirements: "build it"})
	require.NoError(t, err)

	for _, content := range []string{"v1", "v2"} {
		require.NoError(t, fx.store.UpsertArtifact(ctx, &models.Artifact{
			ID:      content,
			JobID:   job.ID,
			Type:    models.ArtifactTypePRD,
			Content: content,
		}))
	}

	latest, err := fx.artifacts.GetLatest(ctx, job.ID, models.ArtifactTypePRD)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Content)

	all, err := fx.artifacts.ListLatest(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUsageForFreshJob(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job, err := fx.jobs.CreateJob(ctx, CreateJobRequest{ProjectID: "p1", Requirements: "build it"})
	require.NoError(t, err)

	usage, err := fx.usage.GetUsage(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.Calls)

	_, err = fx.usage.GetUsage(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestEventHistoryDefaults(t *testing.T) {
	fx := newFixture(t)
	assert.NotNil(t, fx.eventsSvc.History("unknown-job", 0, 0))
	assert.Empty(t, fx.eventsSvc.History("unknown-job", 0, 0))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNotFound(store.ErrNotFound))
	assert.True(t, IsConflict(store.ErrConflict))
	assert.True(t, IsConflict(store.ErrAlreadyClaimed))
	assert.True(t, IsUnavailable(store.ErrUnavailable))
	assert.True(t, IsUnavailable(store.ErrQuotaExhausted))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsValidationError(store.ErrConflict))
}
