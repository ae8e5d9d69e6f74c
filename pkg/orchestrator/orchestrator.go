// Package orchestrator owns job progression: the stage state machine, the
// HITL approval gate, the documentation/support fan-out, stage retries, and
// restart/cancel. It is the single authority for stage transitions; every
// transition for a job runs under that job's store lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentbus/agentbus/pkg/agent"
	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/mlrouter"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/store"
)

// Retry policy for applying task results. The worker acks the queue ref once
// the hand-off returns, so a result lost to a transient storage failure would
// strand the job; transient errors get a bounded backoff before giving up.
const (
	resultRetryAttempts    = 5
	resultRetryInitialWait = 500 * time.Millisecond
	resultRetryMaxWait     = 5 * time.Second
)

// TaskCanceller cancels a job's in-flight tasks. Implemented by queue.Pool;
// injected after construction because the pool needs the orchestrator as its
// result handler.
type TaskCanceller interface {
	CancelJob(jobID string) int
}

// Orchestrator drives jobs through the stage graph.
type Orchestrator struct {
	store      store.Store
	tasks      *queue.TaskQueue
	bus        *events.Bus
	agents     *agent.Registry
	classifier mlrouter.Classifier
	cfg        config.OrchestratorConfig
	metrics    *metrics.Metrics
	canceller  TaskCanceller
}

// New creates the orchestrator. Call SetCanceller once the worker pool
// exists.
func New(st store.Store, tasks *queue.TaskQueue, bus *events.Bus, agents *agent.Registry,
	classifier mlrouter.Classifier, cfg config.OrchestratorConfig, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:      st,
		tasks:      tasks,
		bus:        bus,
		agents:     agents,
		classifier: classifier,
		cfg:        cfg,
		metrics:    m,
	}
}

// SetCanceller wires the in-flight task canceller (the worker pool).
func (o *Orchestrator) SetCanceller(c TaskCanceller) { o.canceller = c }

// CreateJob persists a new job and starts its pipeline. The returned job is
// the creation snapshot (status queued); the first transition has already
// been committed by the time this returns.
func (o *Orchestrator) CreateJob(ctx context.Context, projectID, requirements string, metadata map[string]any) (*models.Job, error) {
	job := &models.Job{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Status:       models.JobStatusQueued,
		Stage:        models.StageInitialization,
		Requirements: requirements,
		Metadata:     metadata,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	created, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.JobEvent(events.EventTypeJobCreated, created))

	err = o.store.WithJobLock(ctx, job.ID, func(ctx context.Context) error {
		return o.startLocked(ctx, job.ID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// startLocked moves a queued job into prd_generation and enqueues the first
// task. Caller holds the job lock. The stage move and the task row commit in
// one transaction; a crash can never leave the stage advanced with no task.
func (o *Orchestrator) startLocked(ctx context.Context, jobID string) error {
	var (
		job  *models.Job
		task *models.Task
	)
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		job, err = o.store.UpdateJobStage(ctx, jobID, models.StagePRDGeneration, models.JobStatusRunning, "")
		if err != nil {
			return err
		}
		task, err = o.createStageTask(ctx, job, models.StagePRDGeneration, nil)
		return err
	})
	if err != nil {
		return err
	}
	o.bus.Publish(events.JobEvent(events.EventTypeJobStarted, job))
	o.bus.Publish(events.StageEvent(events.EventTypeStageStarted, job.ID, models.StagePRDGeneration))
	o.metrics.JobTransition(string(models.StagePRDGeneration))
	return o.dispatchTask(task)
}

// createStageTask persists the task row for a stage. extraInput is merged
// over the computed input (revision notes on a re-enqueued PRD). Dispatch to
// the worker queues happens separately, after the surrounding transaction
// commits.
func (o *Orchestrator) createStageTask(ctx context.Context, job *models.Job, stage models.Stage, extraInput map[string]any) (*models.Task, error) {
	kind := stageAgentKind[stage]
	if kind == "" {
		return nil, fmt.Errorf("stage %s has no agent", stage)
	}

	artifacts, err := o.store.LatestArtifacts(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	input := map[string]any{
		models.InputKeyMLRequired: o.classifier.MLRequired(ctx, job, stage, artifacts),
	}
	if stage == models.StagePRDGeneration {
		input[models.InputKeyRequirements] = job.Requirements
	}
	for k, v := range extraInput {
		input[k] = v
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Stage:     stage,
		AgentKind: kind,
		Status:    models.TaskStatusQueued,
		InputData: input,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// dispatchTask advertises a committed task row to the worker queues.
func (o *Orchestrator) dispatchTask(task *models.Task) error {
	ref := queue.RefForTask(task)
	if err := o.tasks.Enqueue(ref); err != nil {
		return err
	}
	slog.Info("Stage task enqueued", "job_id", task.JobID, "stage", task.Stage,
		"task_id", task.ID, "queue", ref.Queue)
	return nil
}

// HandleTaskResult receives finalized tasks from workers and decides the next
// transition. It implements queue.ResultHandler.
//
// Transient storage failures are retried with bounded backoff: the worker
// acks the queue ref once this returns, so an unapplied result would strand
// the job with a succeeded task and no onward transition.
func (o *Orchestrator) HandleTaskResult(ctx context.Context, task *models.Task) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = resultRetryInitialWait
	b.MaxInterval = resultRetryMaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // bounded by attempts and ctx, not wall clock

	operation := func() error {
		err := o.store.WithJobLock(ctx, task.JobID, func(ctx context.Context) error {
			return o.handleResultLocked(ctx, task)
		})
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, resultRetryAttempts-1), ctx))
	if err != nil {
		slog.Error("Failed to process task result", "task_id", task.ID, "job_id", task.JobID, "error", err)
	}
}

func (o *Orchestrator) handleResultLocked(ctx context.Context, task *models.Task) error {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Info("Dropping result for deleted job", "task_id", task.ID, "job_id", task.JobID)
			return nil
		}
		return err
	}

	// Result arrived after cancel (or fail): record it, transition nothing.
	if job.Status.IsTerminal() {
		o.bus.Publish(events.TaskEvent(events.EventTypeTaskCompletedAfterCancel, task))
		return nil
	}

	// A stale result from a superseded task (stage retry, request_changes)
	// must not drive transitions; only the latest task for the stage counts.
	latest, err := o.store.LatestTaskForStage(ctx, task.JobID, task.Stage)
	if err != nil {
		return err
	}
	if latest.ID != task.ID {
		slog.Info("Ignoring result from superseded task", "task_id", task.ID, "stage", task.Stage)
		return nil
	}

	switch task.Status {
	case models.TaskStatusSucceeded:
		o.bus.Publish(events.TaskEvent(events.EventTypeTaskCompleted, task))
		o.bus.Publish(events.StageEvent(events.EventTypeStageCompleted, job.ID, task.Stage))
		return o.advanceLocked(ctx, job, task.Stage)
	case models.TaskStatusFailed:
		return o.handleFailureLocked(ctx, job, task)
	default:
		return fmt.Errorf("task %s reported non-terminal status %s", task.ID, task.Status)
	}
}

// advanceLocked fires the transition out of a succeeded stage.
func (o *Orchestrator) advanceLocked(ctx context.Context, job *models.Job, completed models.Stage) error {
	switch completed {
	case models.StagePRDGeneration:
		// HITL gate: park the job, enqueue nothing.
		updated, err := o.store.UpdateJobStage(ctx, job.ID, models.StageWaitingForApproval, models.JobStatusWaitingForApproval, "")
		if err != nil {
			return err
		}
		o.metrics.JobTransition(string(models.StageWaitingForApproval))
		o.bus.Publish(events.ApprovalEvent(events.EventTypeHITLRequested, updated.ID, models.StageWaitingForApproval, ""))
		return nil

	case models.StageSecurityReview:
		return o.fanOutLocked(ctx, job)

	case models.StageDocumentation, models.StageSupportDocs:
		// pm_review waits for both branches.
		sibling, err := o.store.LatestTaskForStage(ctx, job.ID, fanOutSibling[completed])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if sibling.Status != models.TaskStatusSucceeded {
			return nil
		}
		return o.transitionLocked(ctx, job, models.StagePMReview)

	case models.StageDelivery:
		updated, err := o.store.UpdateJobStage(ctx, job.ID, models.StageCompleted, models.JobStatusCompleted, "")
		if err != nil {
			return err
		}
		o.metrics.JobTransition(string(models.StageCompleted))
		o.bus.Publish(events.JobEvent(events.EventTypeJobCompleted, updated))
		return nil

	default:
		next, ok := nextStage[completed]
		if !ok {
			return fmt.Errorf("no transition out of stage %s", completed)
		}
		return o.transitionLocked(ctx, job, next)
	}
}

// transitionLocked moves the job into a new running stage and enqueues its
// task. Stage move and task row commit in one transaction.
func (o *Orchestrator) transitionLocked(ctx context.Context, job *models.Job, stage models.Stage) error {
	var (
		updated *models.Job
		task    *models.Task
	)
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = o.store.UpdateJobStage(ctx, job.ID, stage, models.JobStatusRunning, "")
		if err != nil {
			return err
		}
		task, err = o.createStageTask(ctx, updated, stage, nil)
		return err
	})
	if err != nil {
		return err
	}
	o.metrics.JobTransition(string(stage))
	o.bus.Publish(events.StageEvent(events.EventTypeStageStarted, updated.ID, stage))
	return o.dispatchTask(task)
}

// fanOutLocked enqueues documentation and support_docs together. Both task
// rows and the stage move commit in one transaction; a crash leaves either
// the full fan-out or none of it.
func (o *Orchestrator) fanOutLocked(ctx context.Context, job *models.Job) error {
	var (
		updated *models.Job
		created []*models.Task
	)
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = o.store.UpdateJobStage(ctx, job.ID, models.StageDocumentation, models.JobStatusRunning, "")
		if err != nil {
			return err
		}
		for _, stage := range fanOutStages {
			task, err := o.createStageTask(ctx, updated, stage, nil)
			if err != nil {
				return err
			}
			created = append(created, task)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, stage := range fanOutStages {
		o.metrics.JobTransition(string(stage))
		o.bus.Publish(events.StageEvent(events.EventTypeStageStarted, updated.ID, stage))
		if err := o.dispatchTask(created[i]); err != nil {
			return err
		}
	}
	return nil
}

// handleFailureLocked applies the failure policy: retry the whole stage when
// the agent is retry-safe and the kind is retryable, otherwise fail the job.
func (o *Orchestrator) handleFailureLocked(ctx context.Context, job *models.Job, task *models.Task) error {
	o.bus.Publish(events.TaskEvent(events.EventTypeTaskFailed, task))

	kind := agent.KindOfTaskError(task.Error)

	// A cancelled task on a live job (worker shutdown mid-flight): record the
	// outcome and leave the job alone; restart or the orphan path resumes it.
	if kind == agent.FailureCancelled {
		slog.Info("Task cancelled without job cancel, no transition",
			"task_id", task.ID, "job_id", job.ID, "stage", task.Stage)
		return nil
	}

	if kind.Retryable() && o.stageRetryAllowed(ctx, job, task) {
		slog.Info("Retrying stage", "job_id", job.ID, "stage", task.Stage, "kind", kind)
		retry, err := o.createStageTask(ctx, job, task.Stage, retryInput(task))
		if err != nil {
			return err
		}
		return o.dispatchTask(retry)
	}

	reason := fmt.Sprintf("stage %s failed: %s", task.Stage, task.Error)
	updated, err := o.store.UpdateJobStage(ctx, job.ID, task.Stage, models.JobStatusFailed, reason)
	if err != nil {
		return err
	}
	o.bus.Publish(events.JobEvent(events.EventTypeJobFailed, updated))

	// Fan-out partial failure: no partial delivery, stop the sibling too.
	if o.canceller != nil {
		if n := o.canceller.CancelJob(job.ID); n > 0 {
			slog.Info("Cancelled in-flight sibling tasks of failed job", "job_id", job.ID, "count", n)
		}
	}
	return nil
}

// stageRetryAllowed checks the retry budget and the agent's retry-safety.
func (o *Orchestrator) stageRetryAllowed(ctx context.Context, job *models.Job, task *models.Task) bool {
	max := o.cfg.StageRetry.MaxAttempts
	if max <= 0 {
		return false
	}
	ag := o.agents.Resolve(task.AgentKind)
	if ag == nil || !ag.RetrySafe() {
		return false
	}

	all, err := o.store.ListTasks(ctx, job.ID)
	if err != nil {
		slog.Warn("Could not count stage attempts, failing job instead", "job_id", job.ID, "error", err)
		return false
	}
	attempts := 0
	for _, t := range all {
		if t.Stage == task.Stage {
			attempts++
		}
	}
	return attempts < max
}

// retryInput carries the failed task's input into the retry, minus nothing:
// the stage re-runs with identical input.
func retryInput(task *models.Task) map[string]any {
	input := make(map[string]any, len(task.InputData))
	for k, v := range task.InputData {
		input[k] = v
	}
	return input
}

// Approve unblocks the HITL gate and starts plan_generation. notes are
// recorded with the approval; they do not feed into any prompt.
func (o *Orchestrator) Approve(ctx context.Context, jobID, notes string) (*models.Job, error) {
	var result *models.Job
	err := o.store.WithJobLock(ctx, jobID, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusWaitingForApproval {
			return fmt.Errorf("%w: job is %s, not waiting for approval", store.ErrConflict, job.Status)
		}

		approval := &models.Approval{
			ID:       uuid.NewString(),
			JobID:    jobID,
			Stage:    models.StageWaitingForApproval,
			Decision: models.DecisionApprove,
			Notes:    notes,
		}
		if err := o.store.RecordApproval(ctx, approval); err != nil {
			return err
		}
		o.bus.Publish(events.ApprovalEvent(events.EventTypeApproved, jobID, models.StageWaitingForApproval, notes))

		if err := o.transitionLocked(ctx, job, models.StagePlanGeneration); err != nil {
			return err
		}
		result, err = o.store.GetJob(ctx, jobID)
		return err
	})
	return result, err
}

// RequestChanges rejects the PRD: the gate records the decision and a fresh
// prd_generation task runs with the reviewer's notes. The revised PRD
// supersedes the prior artifact under latest-wins reads.
func (o *Orchestrator) RequestChanges(ctx context.Context, jobID, notes string) (*models.Job, error) {
	var result *models.Job
	err := o.store.WithJobLock(ctx, jobID, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusWaitingForApproval {
			return fmt.Errorf("%w: job is %s, not waiting for approval", store.ErrConflict, job.Status)
		}

		approval := &models.Approval{
			ID:       uuid.NewString(),
			JobID:    jobID,
			Stage:    models.StageWaitingForApproval,
			Decision: models.DecisionRequestChanges,
			Notes:    notes,
		}
		if err := o.store.RecordApproval(ctx, approval); err != nil {
			return err
		}
		o.bus.Publish(events.ApprovalEvent(events.EventTypeRejected, jobID, models.StageWaitingForApproval, notes))

		var task *models.Task
		err = o.store.WithTx(ctx, func(ctx context.Context) error {
			updated, err := o.store.UpdateJobStage(ctx, jobID, models.StagePRDGeneration, models.JobStatusRunning, "")
			if err != nil {
				return err
			}
			extra := map[string]any{models.InputKeyRevisionNotes: notes}
			task, err = o.createStageTask(ctx, updated, models.StagePRDGeneration, extra)
			return err
		})
		if err != nil {
			return err
		}
		o.metrics.JobTransition(string(models.StagePRDGeneration))
		o.bus.Publish(events.StageEvent(events.EventTypeStageStarted, jobID, models.StagePRDGeneration))
		if err := o.dispatchTask(task); err != nil {
			return err
		}
		result, err = o.store.GetJob(ctx, jobID)
		return err
	})
	return result, err
}

// Cancel transitions the job to cancelled immediately and signals in-flight
// tasks. Results that land afterwards are recorded without transition.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	var result *models.Job
	err := o.store.WithJobLock(ctx, jobID, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job is already %s", store.ErrConflict, job.Status)
		}
		result, err = o.store.UpdateJobStage(ctx, jobID, job.Stage, models.JobStatusCancelled, reason)
		if err != nil {
			return err
		}
		o.bus.Publish(events.JobEvent(events.EventTypeJobCancelled, result))
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Signal after the terminal status is committed, so completions that beat
	// the signal still find the job terminal.
	if o.canceller != nil {
		if n := o.canceller.CancelJob(jobID); n > 0 {
			slog.Info("Cancelled in-flight tasks", "job_id", jobID, "count", n)
		}
	}
	return result, nil
}

// Restart reopens a failed or cancelled job from the top of the pipeline.
func (o *Orchestrator) Restart(ctx context.Context, jobID string) (*models.Job, error) {
	var result *models.Job
	err := o.store.WithJobLock(ctx, jobID, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled {
			return fmt.Errorf("%w: restart requires a failed or cancelled job, got %s", store.ErrConflict, job.Status)
		}
		if _, err := o.store.ResetJob(ctx, jobID, models.StageInitialization, models.JobStatusQueued); err != nil {
			return err
		}
		if err := o.startLocked(ctx, jobID); err != nil {
			return err
		}
		result, err = o.store.GetJob(ctx, jobID)
		return err
	})
	return result, err
}

// Recover re-advertises queued tasks after a process restart. The store rows
// survive; the in-memory queue does not.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning} {
		jobs, err := o.store.ListJobs(ctx, 0, store.JobFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, job := range jobs {
			tasks, err := o.store.ListTasks(ctx, job.ID)
			if err != nil {
				return recovered, err
			}
			for _, task := range tasks {
				if task.Status != models.TaskStatusQueued {
					continue
				}
				if err := o.tasks.Enqueue(queue.RefForTask(task)); err != nil {
					return recovered, err
				}
				recovered++
			}
		}
	}
	if recovered > 0 {
		slog.Info("Recovered queued tasks into dispatch queue", "count", recovered)
	}
	return recovered, nil
}

var _ queue.ResultHandler = (*Orchestrator)(nil)
