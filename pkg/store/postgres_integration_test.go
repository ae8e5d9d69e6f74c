//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/database"
	"github.com/agentbus/agentbus/pkg/models"
)

// newPostgresStore opens a store against a real PostgreSQL. In CI (when
// CI_DATABASE_HOST is set) it connects to the external service container;
// locally it spins up a testcontainer per test.
func newPostgresStore(t *testing.T) *PostgresStore {
	ctx := context.Background()

	cfg := config.StorageConfig{
		Driver:       config.StorageDriverPostgres,
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}

	if host := os.Getenv("CI_DATABASE_HOST"); host != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_HOST")
		cfg.Host = host
		cfg.Port = 5432
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		cfg.Host, err = pgContainer.Host(ctx)
		require.NoError(t, err)
		mapped, err := pgContainer.MappedPort(ctx, "5432/tcp")
		require.NoError(t, err)
		cfg.Port = mapped.Int()
	}

	db, err := database.Open(ctx, cfg)
	require.NoError(t, err)

	s := NewPostgresStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	job := newJob("job-1")
	job.Metadata = map[string]any{"team": "core"}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, newJob("job-1")), ErrConflict)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "core", got.Metadata["team"])
	assert.Empty(t, got.FailureReason)

	task := newTask("task-1", "job-1", models.StagePRDGeneration)
	require.NoError(t, s.CreateTask(ctx, task))

	// The partial unique index enforces one non-terminal task per (job, stage).
	err = s.CreateTask(ctx, newTask("task-dup", "job-1", models.StagePRDGeneration))
	assert.ErrorIs(t, err, ErrConflict)

	claimed, err := s.ClaimTask(ctx, "task-1", "worker-0")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = s.ClaimTask(ctx, "task-1", "worker-1")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	require.NoError(t, s.HeartbeatTask(ctx, "task-1"))

	finished, applied, err := s.FinishTask(ctx, "task-1", models.TaskStatusSucceeded,
		map[string]any{"artifact_id": "a-1"}, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "a-1", finished.OutputData["artifact_id"])

	again, applied, err := s.FinishTask(ctx, "task-1", models.TaskStatusFailed, nil, "late")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.TaskStatusSucceeded, again.Status)

	// Retry row for the same stage is admissible after terminality.
	require.NoError(t, s.CreateTask(ctx, newTask("task-2", "job-1", models.StagePRDGeneration)))
	latest, err := s.LatestTaskForStage(ctx, "job-1", models.StagePRDGeneration)
	require.NoError(t, err)
	assert.Equal(t, "task-2", latest.ID)

	tasks, err := s.ListTasks(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestPostgresStore_ConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))
	require.NoError(t, s.CreateTask(ctx, newTask("task-1", "job-1", models.StagePRDGeneration)))

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, "task-1", fmt.Sprintf("worker-%d", i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyClaimed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_OrphanRecovery(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))
	require.NoError(t, s.CreateTask(ctx, newTask("task-1", "job-1", models.StagePRDGeneration)))
	_, err := s.ClaimTask(ctx, "task-1", "worker-0")
	require.NoError(t, err)

	orphans, err := s.ListOrphanedTasks(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, orphans)

	orphans, err = s.ListOrphanedTasks(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	requeued, err := s.RequeueTask(ctx, orphans[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestPostgresStore_ArtifactsApprovalsUsage(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))

	require.NoError(t, s.UpsertArtifact(ctx, &models.Artifact{
		ID: "a-1", JobID: "job-1", Type: models.ArtifactTypePRD, Content: "v1"}))
	require.NoError(t, s.UpsertArtifact(ctx, &models.Artifact{
		ID: "a-2", JobID: "job-1", Type: models.ArtifactTypePRD, Content: "v2"}))
	require.NoError(t, s.UpsertArtifact(ctx, &models.Artifact{
		ID: "a-3", JobID: "job-1", Type: models.ArtifactTypePlan, Content: "plan"}))

	latest, err := s.GetLatestArtifact(ctx, "job-1", models.ArtifactTypePRD)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Content)

	all, err := s.LatestArtifacts(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "v2", all[models.ArtifactTypePRD].Content)

	require.NoError(t, s.RecordApproval(ctx, &models.Approval{
		ID: "ap-1", JobID: "job-1", Stage: models.StageWaitingForApproval,
		Decision: models.DecisionApprove}))
	approval, err := s.LatestApproval(ctx, "job-1", models.StageWaitingForApproval)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, approval.Decision)

	require.NoError(t, s.AddUsage(ctx, "job-1", models.Usage{InputTokens: 100, Calls: 1, CostUSD: 0.002}))
	require.NoError(t, s.AddUsage(ctx, "job-1", models.Usage{InputTokens: 50, Calls: 1, CostUSD: 0.001}))
	usage, err := s.GetUsage(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), usage.InputTokens)
	assert.Equal(t, int64(2), usage.Calls)

	// Terminal delete cascades everything.
	_, err = s.UpdateJobStage(ctx, "job-1", models.StageCompleted, models.JobStatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	_, err = s.GetLatestArtifact(ctx, "job-1", models.ArtifactTypePRD)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_WithJobLockSerializes(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithJobLock(ctx, "job-1", func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen, "critical sections for one job must not overlap")
}

func TestPostgresStore_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))

	boom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.UpdateJobStage(ctx, "job-1", models.StagePRDGeneration, models.JobStatusRunning, ""); err != nil {
			return err
		}
		if err := s.CreateTask(ctx, newTask("task-1", "job-1", models.StagePRDGeneration)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither write survived the rollback.
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageInitialization, job.Stage)
	_, err = s.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Commit path: the stage transition and its task land together.
	err = s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.UpdateJobStage(ctx, "job-1", models.StagePRDGeneration, models.JobStatusRunning, ""); err != nil {
			return err
		}
		return s.CreateTask(ctx, newTask("task-1", "job-1", models.StagePRDGeneration))
	})
	require.NoError(t, err)

	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePRDGeneration, job.Stage)
	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
}
