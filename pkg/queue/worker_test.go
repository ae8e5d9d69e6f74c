package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/store"
)

// stubExecutor returns a canned result, optionally after blocking until the
// task context dies.
type stubExecutor struct {
	mu       sync.Mutex
	result   *ExecutionResult
	block    bool
	executed []string
}

func (e *stubExecutor) Execute(ctx context.Context, task *models.Task) *ExecutionResult {
	e.mu.Lock()
	e.executed = append(e.executed, task.ID)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return nil
	}
	return e.result
}

func (e *stubExecutor) executedTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

// recordingHandler collects finalized tasks.
type recordingHandler struct {
	mu    sync.Mutex
	tasks []*models.Task
}

func (h *recordingHandler) HandleTaskResult(_ context.Context, task *models.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task)
}

func (h *recordingHandler) results() []*models.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.Task(nil), h.tasks...)
}

func testWorkerConfig() (config.WorkerConfig, config.QueueConfig) {
	return config.WorkerConfig{TaskTimeoutMS: 2000},
		config.QueueConfig{
			VisibilityTimeoutMS:  60000,
			DequeueTimeoutMS:     50,
			OrphanScanIntervalMS: 60000,
			OrphanThresholdMS:    60000,
		}
}

func seedTask(t *testing.T, st store.Store, taskID string) *models.Task {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		ID: "job-1", ProjectID: "p1",
		Status: models.JobStatusRunning, Stage: models.StagePRDGeneration,
		Requirements: "build it",
	}
	if _, err := st.GetJob(ctx, job.ID); err != nil {
		require.NoError(t, st.CreateJob(ctx, job))
	}
	task := &models.Task{
		ID: taskID, JobID: "job-1",
		Stage: models.StagePRDGeneration, AgentKind: models.AgentKindPRD,
		Status: models.TaskStatusQueued,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	return task
}

func startTestPool(t *testing.T, executor Executor, handler ResultHandler) (*Pool, *TaskQueue, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	workerCfg, queueCfg := testWorkerConfig()
	tasks := NewTaskQueue(queueCfg.VisibilityTimeout())
	bus := events.NewBus(events.DefaultOptions())
	pool := NewPool("pod-test", st, tasks, bus, executor, handler, PoolConfig{
		Workers: config.WorkersConfig{CPU: config.WorkerClassConfig{Count: 1}},
		Worker:  workerCfg,
		Queue:   queueCfg,
	}, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Stop()
		tasks.Close()
	})
	return pool, tasks, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorker_ProcessesTaskToSuccess(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{
		Status: models.TaskStatusSucceeded,
		Output: map[string]any{"artifact_type": "prd"},
	}}
	handler := &recordingHandler{}
	_, tasks, st := startTestPool(t, executor, handler)

	task := seedTask(t, st, "task-1")
	require.NoError(t, tasks.Enqueue(RefForTask(task)))

	waitFor(t, func() bool { return len(handler.results()) == 1 }, "task result never reached the handler")

	final := handler.results()[0]
	assert.Equal(t, models.TaskStatusSucceeded, final.Status)
	assert.Equal(t, "prd", final.OutputData["artifact_type"])
	assert.Equal(t, 1, final.Attempts)

	stored, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, stored.Status)
}

func TestWorker_ReportsFailureVerbatim(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{
		Status: models.TaskStatusFailed,
		Err:    errors.New("bad_input: missing requirements"),
	}}
	handler := &recordingHandler{}
	_, tasks, st := startTestPool(t, executor, handler)

	task := seedTask(t, st, "task-1")
	require.NoError(t, tasks.Enqueue(RefForTask(task)))

	waitFor(t, func() bool { return len(handler.results()) == 1 }, "task result never reached the handler")
	final := handler.results()[0]
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, "bad_input: missing requirements", final.Error)
}

func TestWorker_DropsAlreadyClaimedRef(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{Status: models.TaskStatusSucceeded}}
	handler := &recordingHandler{}
	_, tasks, st := startTestPool(t, executor, handler)

	task := seedTask(t, st, "task-1")
	// Another pod claimed it already.
	_, err := st.ClaimTask(context.Background(), "task-1", "other-pod-cpu-0")
	require.NoError(t, err)

	require.NoError(t, tasks.Enqueue(RefForTask(task)))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, executor.executedTasks(), "claimed task must not be executed again")
	assert.Empty(t, handler.results())
	assert.Equal(t, 0, tasks.Depth(QueueCPU), "duplicate ref is acked, not redelivered")
}

func TestWorker_TimeoutYieldsFailedTask(t *testing.T) {
	executor := &stubExecutor{block: true}
	handler := &recordingHandler{}

	st := store.NewMemoryStore()
	workerCfg, queueCfg := testWorkerConfig()
	workerCfg.TaskTimeoutMS = 50
	tasks := NewTaskQueue(queueCfg.VisibilityTimeout())
	bus := events.NewBus(events.DefaultOptions())
	pool := NewPool("pod-test", st, tasks, bus, executor, handler, PoolConfig{
		Workers: config.WorkersConfig{CPU: config.WorkerClassConfig{Count: 1}},
		Worker:  workerCfg,
		Queue:   queueCfg,
	}, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Stop()
		tasks.Close()
	})

	task := seedTask(t, st, "task-1")
	require.NoError(t, tasks.Enqueue(RefForTask(task)))

	waitFor(t, func() bool { return len(handler.results()) == 1 }, "timed out task never finalized")
	final := handler.results()[0]
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Contains(t, final.Error, "timeout")
}

func TestPool_CancelJobCancelsInflightTask(t *testing.T) {
	executor := &stubExecutor{block: true}
	handler := &recordingHandler{}
	pool, tasks, st := startTestPool(t, executor, handler)

	task := seedTask(t, st, "task-1")
	require.NoError(t, tasks.Enqueue(RefForTask(task)))

	waitFor(t, func() bool { return len(executor.executedTasks()) == 1 }, "task never started")
	waitFor(t, func() bool { return pool.CancelJob("job-1") > 0 }, "in-flight task never registered")

	waitFor(t, func() bool { return len(handler.results()) == 1 }, "cancelled task never finalized")
	final := handler.results()[0]
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Contains(t, final.Error, "cancelled")
}

func TestPool_Health(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{Status: models.TaskStatusSucceeded}}
	handler := &recordingHandler{}
	pool, _, _ := startTestPool(t, executor, handler)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.StoreReachable)
	assert.Equal(t, "pod-test", health.PodID)
	assert.Equal(t, 1, health.TotalWorkers)
	require.Len(t, health.WorkerStats, 1)
	assert.Equal(t, QueueCPU, health.WorkerStats[0].Queue)
}

func TestPool_RequeueOrphans(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{Status: models.TaskStatusSucceeded}}
	handler := &recordingHandler{}

	st := store.NewMemoryStore()
	workerCfg, queueCfg := testWorkerConfig()
	queueCfg.OrphanThresholdMS = -1000 // everything in_progress counts as stale
	tasks := NewTaskQueue(queueCfg.VisibilityTimeout())
	bus := events.NewBus(events.DefaultOptions())
	pool := NewPool("pod-test", st, tasks, bus, executor, handler, PoolConfig{
		Worker: workerCfg,
		Queue:  queueCfg,
	}, nil)

	task := seedTask(t, st, "task-1")
	_, err := st.ClaimTask(context.Background(), task.ID, "dead-pod-cpu-0")
	require.NoError(t, err)

	recovered, err := pool.RequeueOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, tasks.Depth(QueueCPU))

	stored, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, stored.Status)

	// Idempotent: a second sweep finds nothing in_progress.
	recovered, err = pool.RequeueOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestPool_ReportsQueueDepthGauge(t *testing.T) {
	executor := &stubExecutor{result: &ExecutionResult{Status: models.TaskStatusSucceeded}}
	handler := &recordingHandler{}

	st := store.NewMemoryStore()
	workerCfg, queueCfg := testWorkerConfig()
	tasks := NewTaskQueue(queueCfg.VisibilityTimeout())
	defer tasks.Close()

	m := metrics.New()
	pool := NewPool("pod-test", st, tasks, events.NewBus(events.DefaultOptions()),
		executor, handler, PoolConfig{Worker: workerCfg, Queue: queueCfg}, m)

	require.NoError(t, tasks.Enqueue(TaskRef{TaskID: "t1", JobID: "j1", Queue: QueueCPU}))
	require.NoError(t, tasks.Enqueue(TaskRef{TaskID: "t2", JobID: "j1", Queue: QueueCPU}))
	require.NoError(t, tasks.Enqueue(TaskRef{TaskID: "t3", JobID: "j1", Queue: QueueGPU}))

	pool.reportQueueDepth()
	assert.Equal(t, 2.0, queueDepthGauge(t, m, QueueCPU))
	assert.Equal(t, 1.0, queueDepthGauge(t, m, QueueGPU))

	ref, err := tasks.Dequeue(QueueCPU, time.Second)
	require.NoError(t, err)
	tasks.Ack(ref)

	pool.reportQueueDepth()
	assert.Equal(t, 1.0, queueDepthGauge(t, m, QueueCPU))
}

// queueDepthGauge reads the agentbus_queue_depth sample for one queue out of
// the registry.
func queueDepthGauge(t *testing.T, m *metrics.Metrics, queue string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "agentbus_queue_depth" {
			continue
		}
		for _, sample := range fam.GetMetric() {
			for _, label := range sample.GetLabel() {
				if label.GetName() == "queue" && label.GetValue() == queue {
					return sample.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("no agentbus_queue_depth sample for queue %q", queue)
	return 0
}
