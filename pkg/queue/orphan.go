package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan sweeper metrics (thread-safe).
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanSweeper periodically returns tasks with stale heartbeats to the
// queue. Every pod runs it independently; RequeueTask is conditional on
// in_progress status, so concurrent sweeps are idempotent.
func (p *Pool) runOrphanSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Queue.OrphanScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.RequeueOrphans(ctx); err != nil {
				slog.Error("Orphan sweep failed", "error", err)
			}
		}
	}
}

// RequeueOrphans finds in_progress tasks whose heartbeat is older than the
// configured threshold, returns them to queued, and re-enqueues their refs.
// Also called directly by the admin recovery endpoint. Returns the number of
// tasks recovered.
func (p *Pool) RequeueOrphans(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-p.cfg.Queue.OrphanThreshold())

	orphans, err := p.store.ListOrphanedTasks(ctx, staleBefore)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range orphans {
		// Tasks still registered on this pod are alive; their heartbeat
		// writes are failing, not their execution.
		p.mu.RLock()
		_, local := p.activeTasks[task.ID]
		p.mu.RUnlock()
		if local {
			continue
		}

		requeued, err := p.store.RequeueTask(ctx, task.ID)
		if err != nil {
			// Lost the race with the owning worker or another sweeper.
			slog.Info("Skipping orphan, state changed", "task_id", task.ID, "error", err)
			continue
		}
		if err := p.tasks.Enqueue(RefForTask(requeued)); err != nil {
			slog.Error("Failed to re-enqueue recovered orphan", "task_id", task.ID, "error", err)
			continue
		}
		slog.Warn("Orphaned task returned to queue",
			"task_id", task.ID, "job_id", task.JobID,
			"stage", task.Stage, "old_worker_id", task.WorkerID)
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += recovered
	p.orphans.mu.Unlock()
	p.metrics.OrphansRequeued(recovered)

	return recovered, nil
}
