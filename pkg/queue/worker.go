package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/store"
)

// heartbeatInterval is how often an executing worker refreshes the task
// heartbeat for orphan detection.
const heartbeatInterval = 15 * time.Second

// Worker is a single queue consumer bound to one worker class.
type Worker struct {
	id       string
	queue    string
	store    store.Store
	tasks    *TaskQueue
	bus      *events.Bus
	executor Executor
	handler  ResultHandler
	registry TaskRegistry
	cfg      config.WorkerConfig
	queueCfg config.QueueConfig
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// TaskRegistry is the subset of Pool used by Worker to register in-flight
// task cancellation.
type TaskRegistry interface {
	RegisterTask(taskID, jobID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// NewWorker creates a queue worker for the named queue.
func NewWorker(id, queueName string, st store.Store, tasks *TaskQueue, bus *events.Bus,
	executor Executor, handler ResultHandler, registry TaskRegistry,
	cfg config.WorkerConfig, queueCfg config.QueueConfig, m *metrics.Metrics) *Worker {
	return &Worker{
		id:           id,
		queue:        queueName,
		store:        st,
		tasks:        tasks,
		bus:          bus,
		executor:     executor,
		handler:      handler,
		registry:     registry,
		cfg:          cfg,
		queueCfg:     queueCfg,
		metrics:      m,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current task to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Queue:          w.queue,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "queue", w.queue)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasks) {
					continue
				}
				if errors.Is(err, ErrQueueClosed) {
					return
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess dequeues one reference, claims it, executes the agent, and
// finalizes the task.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	ref, err := w.tasks.Dequeue(w.queue, w.queueCfg.DequeueTimeout())
	if err != nil {
		return err
	}

	log := slog.With("task_id", ref.TaskID, "job_id", ref.JobID, "worker_id", w.id)

	// The store is the claim authority; the queue ref is advisory.
	task, err := w.store.ClaimTask(ctx, ref.TaskID, w.id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyClaimed), errors.Is(err, store.ErrNotFound):
			// Duplicate ref (visibility redelivery after a crash, or a
			// deleted job). Drop it; the claim winner owns the task.
			log.Info("Task not claimable, dropping ref", "reason", err)
			w.tasks.Ack(ref)
			return nil
		case errors.Is(err, store.ErrUnavailable):
			w.tasks.Nack(ref, time.Second)
			return fmt.Errorf("claiming task: %w", err)
		default:
			w.tasks.Ack(ref)
			return fmt.Errorf("claiming task: %w", err)
		}
	}

	log.Info("Task claimed", "stage", task.Stage, "agent_kind", task.AgentKind, "attempt", task.Attempts)
	w.bus.Publish(events.TaskEvent(events.EventTypeTaskStarted, task))

	w.setStatus(WorkerStatusWorking, task.ID)
	w.metrics.WorkerActive(w.queue, 1)
	defer func() {
		w.setStatus(WorkerStatusIdle, "")
		w.metrics.WorkerActive(w.queue, -1)
	}()

	// Hard per-task deadline; cancellation is cooperative inside the agent.
	taskCtx, cancelTask := context.WithTimeout(ctx, w.cfg.TaskTimeout())
	defer cancelTask()

	// Register for API-triggered job cancellation.
	w.registry.RegisterTask(task.ID, task.JobID, cancelTask)
	defer w.registry.UnregisterTask(task.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	go w.runHeartbeat(heartbeatCtx, task.ID)

	started := time.Now()
	result := w.executor.Execute(taskCtx, task)
	cancelHeartbeat()

	result = w.normalizeResult(result, taskCtx)

	// The task context may be dead; finalization must still commit.
	finishCtx := context.WithoutCancel(ctx)
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	final, applied, err := w.store.FinishTask(finishCtx, task.ID, result.Status, result.Output, errMsg)
	if err != nil {
		log.Error("Failed to finalize task", "error", err)
		// Leave the ref unacked only for transient store failures; the
		// visibility timeout will redeliver and the next claim attempt
		// reports AlreadyClaimed, routing recovery to the orphan sweeper.
		if !errors.Is(err, store.ErrUnavailable) {
			w.tasks.Ack(ref)
		}
		return err
	}
	if !applied {
		log.Info("Task was already finalized, keeping first outcome", "status", final.Status)
	}

	w.metrics.TaskProcessed(w.queue, string(final.Status))
	w.metrics.ObserveTaskDuration(string(final.AgentKind), time.Since(started).Seconds())

	// Store commit precedes event emission and the orchestrator hand-off.
	if applied {
		w.handler.HandleTaskResult(finishCtx, final)
	}

	w.tasks.Ack(ref)

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "status", final.Status)
	return nil
}

// normalizeResult guarantees a terminal result even when the executor
// returned nil or left the status empty on timeout/cancel.
func (w *Worker) normalizeResult(result *ExecutionResult, taskCtx context.Context) *ExecutionResult {
	if result == nil {
		result = &ExecutionResult{}
	}
	if result.Status == "" {
		switch {
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			result.Status = models.TaskStatusFailed
			result.Err = fmt.Errorf("timeout: task exceeded %v", w.cfg.TaskTimeout())
		case errors.Is(taskCtx.Err(), context.Canceled):
			result.Status = models.TaskStatusFailed
			result.Err = errors.New("cancelled: task context cancelled")
		default:
			result.Status = models.TaskStatusFailed
			result.Err = errors.New("unknown: executor returned no status")
		}
	}
	return result
}

// runHeartbeat periodically refreshes the task heartbeat for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatTask(ctx, taskID); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
