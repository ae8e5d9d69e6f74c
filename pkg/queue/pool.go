package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/store"
)

// Pool manages the cpu and gpu worker pools, the in-flight task cancel
// registry, and the orphan sweeper.
type Pool struct {
	podID    string
	store    store.Store
	tasks    *TaskQueue
	bus      *events.Bus
	executor Executor
	handler  ResultHandler
	workers  []*Worker
	cfg      PoolConfig
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// In-flight task cancel registry: task_id → entry.
	mu          sync.RWMutex
	activeTasks map[string]taskEntry
	started     bool

	// Orphan sweeper state.
	orphans orphanState
}

type taskEntry struct {
	jobID  string
	cancel context.CancelFunc
}

// PoolConfig aggregates the config sections the pool consumes.
type PoolConfig struct {
	Workers config.WorkersConfig
	Worker  config.WorkerConfig
	Queue   config.QueueConfig
}

// NewPool creates the worker pool. Workers are not started until Start.
func NewPool(podID string, st store.Store, tasks *TaskQueue, bus *events.Bus,
	executor Executor, handler ResultHandler, cfg PoolConfig, m *metrics.Metrics) *Pool {
	return &Pool{
		podID:       podID,
		store:       st,
		tasks:       tasks,
		bus:         bus,
		executor:    executor,
		handler:     handler,
		cfg:         cfg,
		metrics:     m,
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]taskEntry),
	}
}

// Start spawns the per-class workers and the orphan sweeper. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"cpu_workers", p.cfg.Workers.CPU.Count,
		"gpu_workers", p.cfg.Workers.GPU.Count)

	p.spawnClass(ctx, QueueCPU, p.cfg.Workers.CPU.Count)
	p.spawnClass(ctx, QueueGPU, p.cfg.Workers.GPU.Count)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweeper(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runDepthReporter(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// depthReportInterval is how often the per-queue depth gauges are refreshed.
const depthReportInterval = 5 * time.Second

// runDepthReporter keeps the queue depth gauges current.
func (p *Pool) runDepthReporter(ctx context.Context) {
	ticker := time.NewTicker(depthReportInterval)
	defer ticker.Stop()

	p.reportQueueDepth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reportQueueDepth()
		}
	}
}

// reportQueueDepth records the ready depth of each named queue.
func (p *Pool) reportQueueDepth() {
	for _, name := range []string{QueueCPU, QueueGPU} {
		p.metrics.SetQueueDepth(name, p.tasks.Depth(name))
	}
}

func (p *Pool) spawnClass(ctx context.Context, queueName string, count int) {
	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", p.podID, queueName, i)
		worker := NewWorker(workerID, queueName, p.store, p.tasks, p.bus,
			p.executor, p.handler, p, p.cfg.Worker, p.cfg.Queue, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop signals all workers to stop and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	if active := p.activeTaskIDs(); len(active) > 0 {
		slog.Info("Waiting for in-flight tasks to complete",
			"count", len(active), "task_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterTask stores a cancel function for API-triggered cancellation.
func (p *Pool) RegisterTask(taskID, jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = taskEntry{jobID: jobID, cancel: cancel}
}

// UnregisterTask removes the cancel function when processing ends.
func (p *Pool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelJob cancels every in-flight task belonging to the job on this pod.
// Returns the number of tasks signalled.
func (p *Pool) CancelJob(jobID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cancelled := 0
	for _, entry := range p.activeTasks {
		if entry.jobID == jobID {
			entry.cancel()
			cancelled++
		}
	}
	return cancelled
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()

	depth, errQ := p.store.QueueDepth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	storeReachable := errQ == nil
	var storeError string
	if errQ != nil {
		storeError = errQ.Error()
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:       len(p.workers) > 0 && storeReachable,
		StoreReachable:  storeReachable,
		StoreError:      storeError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		QueueDepth:      depth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastScan,
		OrphansRequeued: requeued,
	}
}

// activeTaskIDs returns IDs of currently processing tasks (for logging).
func (p *Pool) activeTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		ids = append(ids, id)
	}
	return ids
}
