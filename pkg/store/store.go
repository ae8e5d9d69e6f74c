// Package store defines the persistence contract for jobs, tasks, artifacts,
// approvals, and usage counters, with postgres (authoritative) and in-memory
// (tests, dev mode) implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentbus/agentbus/pkg/models"
)

// Sentinel errors returned by Store implementations. ErrUnavailable is the
// only retryable kind; callers must not retry on the others.
var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when the operation is not admissible in the
	// entity's current state (e.g. writing to a terminal job).
	ErrConflict = errors.New("conflict with current state")

	// ErrAlreadyClaimed is returned by ClaimTask when the task is not queued.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrUnavailable is returned on transient storage failures. Retryable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrQuotaExhausted is returned by CreateJob when the store refuses new
	// jobs; the API surfaces it as 503 without retry.
	ErrQuotaExhausted = errors.New("storage quota exhausted")
)

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status    models.JobStatus
	ProjectID string
}

// Store is the single source of truth for state that must survive restart.
//
// All write methods classify failures into the sentinel errors above.
// Timestamps are stamped by the store in UTC.
type Store interface {
	// CreateJob persists a new job. The job arrives with ID, ProjectID,
	// Requirements, Metadata, Status, and Stage set; timestamps are stamped
	// by the store. Returns ErrConflict on duplicate ID.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int, filter JobFilter) ([]*models.Job, error)
	// DeleteJob removes the job and everything owned by it. Returns
	// ErrConflict if the job is not terminal.
	DeleteJob(ctx context.Context, jobID string) error
	// UpdateJobStage moves the job to (stage, status). failureReason may be
	// empty. Returns ErrConflict if the job is already terminal.
	UpdateJobStage(ctx context.Context, jobID string, stage models.Stage, status models.JobStatus, failureReason string) (*models.Job, error)
	// ResetJob reopens a terminal job for restart: stage/status are
	// overwritten and the failure reason cleared. Returns ErrConflict if the
	// job is not terminal.
	ResetJob(ctx context.Context, jobID string, stage models.Stage, status models.JobStatus) (*models.Job, error)

	// CreateTask persists a new queued task. Returns ErrConflict if another
	// non-terminal task exists for the same (job, stage).
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]*models.Task, error)
	// LatestTaskForStage returns the most recently enqueued task for the
	// (job, stage) pair.
	LatestTaskForStage(ctx context.Context, jobID string, stage models.Stage) (*models.Task, error)
	// ClaimTask atomically moves a queued task to in_progress for workerID,
	// stamping started_at and incrementing attempts. Returns
	// ErrAlreadyClaimed if the task is not queued.
	ClaimTask(ctx context.Context, taskID, workerID string) (*models.Task, error)
	// HeartbeatTask bumps the task heartbeat used by orphan detection.
	HeartbeatTask(ctx context.Context, taskID string) error
	// FinishTask finalizes a task. Idempotent: finishing an already terminal
	// task is a no-op; applied reports whether this call changed state.
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, outputData map[string]any, errMsg string) (task *models.Task, applied bool, err error)
	// RequeueTask returns an in_progress task to queued (operator/orphan
	// recovery). Returns ErrConflict if the task is terminal.
	RequeueTask(ctx context.Context, taskID string) (*models.Task, error)
	// ListOrphanedTasks returns in_progress tasks whose heartbeat is older
	// than the threshold.
	ListOrphanedTasks(ctx context.Context, staleBefore time.Time) ([]*models.Task, error)
	// QueueDepth counts queued tasks across all jobs.
	QueueDepth(ctx context.Context) (int, error)

	// UpsertArtifact appends a new artifact row; reads are latest-wins.
	UpsertArtifact(ctx context.Context, artifact *models.Artifact) error
	GetLatestArtifact(ctx context.Context, jobID string, typ models.ArtifactType) (*models.Artifact, error)
	// LatestArtifacts returns the canonical (latest) artifact per type.
	LatestArtifacts(ctx context.Context, jobID string) (map[models.ArtifactType]*models.Artifact, error)

	RecordApproval(ctx context.Context, approval *models.Approval) error
	// LatestApproval returns the most recent approval for the (job, stage)
	// pair, or ErrNotFound.
	LatestApproval(ctx context.Context, jobID string, stage models.Stage) (*models.Approval, error)

	// AddUsage accumulates a usage delta into the job's counter.
	AddUsage(ctx context.Context, jobID string, delta models.Usage) error
	GetUsage(ctx context.Context, jobID string) (*models.Usage, error)

	// WithJobLock runs fn while holding the job's transition lock. Stage
	// transitions for one job are serialized through this; transitions for
	// different jobs proceed concurrently.
	WithJobLock(ctx context.Context, jobID string, fn func(ctx context.Context) error) error

	// WithTx runs fn atomically: either every store write made through the
	// returned context commits, or none do. Used to pair a stage transition
	// with its task row so a crash cannot leave the job stage-advanced with
	// no task. The in-memory store applies writes immediately; its callers
	// hold the job lock, so partial state is never observed there.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}
