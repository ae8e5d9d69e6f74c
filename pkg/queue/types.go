// Package queue provides task dispatch and processing infrastructure: the
// advisory in-memory task queue, the per-class worker pools, and the orphan
// sweeper.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/agentbus/agentbus/pkg/models"
)

// Queue names, one per worker class.
const (
	QueueCPU = "cpu"
	QueueGPU = "gpu"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasks indicates the blocking dequeue timed out with nothing queued.
	ErrNoTasks = errors.New("no tasks available")

	// ErrQueueClosed indicates the queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// TaskRef is the lightweight reference that travels through the queue. The
// authoritative task row lives in the store; the queue only dispatches
// references, so a lost or duplicated ref is harmless (ClaimTask arbitrates).
type TaskRef struct {
	TaskID string
	JobID  string
	Queue  string
}

// RefForTask builds the queue reference for a task, routing to the GPU queue
// when the task input carries ml_required=true.
func RefForTask(task *models.Task) TaskRef {
	name := QueueCPU
	if task.MLRequired() {
		name = QueueGPU
	}
	return TaskRef{TaskID: task.ID, JobID: task.JobID, Queue: name}
}

// Executor runs a claimed task's agent and returns the terminal outcome.
//
// The executor owns agent resolution, context assembly, LLM retries, and the
// artifact/usage writes. The worker only handles claiming, heartbeats, the
// terminal task status, and the result hand-off to the orchestrator.
type Executor interface {
	Execute(ctx context.Context, task *models.Task) *ExecutionResult
}

// ExecutionResult is the terminal outcome of one task execution. Artifacts
// and usage were already written by the executor; Output is what goes into
// the task's output_data column.
type ExecutionResult struct {
	Status models.TaskStatus
	Output map[string]any
	Err    error
}

// ResultHandler receives finalized tasks. The orchestrator implements this to
// drive stage transitions off task outcomes.
type ResultHandler interface {
	HandleTaskResult(ctx context.Context, task *models.Task)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	StoreReachable  bool           `json:"store_reachable"`
	StoreError      string         `json:"store_error,omitempty"`
	PodID           string         `json:"pod_id"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastOrphanScan  time.Time      `json:"last_orphan_scan"`
	OrphansRequeued int            `json:"orphans_requeued"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Queue          string       `json:"queue"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}
