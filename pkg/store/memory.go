package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and the `storage: memory`
// dev mode. It honors the same contract as the postgres implementation,
// including error classification and per-job locking.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	tasks     map[string]*models.Task
	taskOrder map[string][]string // job_id → task IDs in creation order
	artifacts map[string][]*models.Artifact
	approvals map[string][]*models.Approval
	usage     map[string]*models.Usage
	hb        map[string]time.Time // task_id → last heartbeat

	lockMu   sync.Mutex
	jobLocks map[string]*sync.Mutex

	// MaxJobs > 0 caps stored jobs; CreateJob beyond it returns
	// ErrQuotaExhausted. Used by tests and as a dev-mode guard.
	MaxJobs int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		tasks:     make(map[string]*models.Task),
		taskOrder: make(map[string][]string),
		artifacts: make(map[string][]*models.Artifact),
		approvals: make(map[string][]*models.Approval),
		usage:     make(map[string]*models.Usage),
		hb:        make(map[string]time.Time),
		jobLocks:  make(map[string]*sync.Mutex),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrConflict
	}
	if s.MaxJobs > 0 && len(s.jobs) >= s.MaxJobs {
		return ErrQuotaExhausted
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, limit int, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && job.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	// Newest first, matching the postgres ORDER BY created_at DESC.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !job.Status.IsTerminal() {
		return ErrConflict
	}

	delete(s.jobs, jobID)
	for _, taskID := range s.taskOrder[jobID] {
		delete(s.tasks, taskID)
	}
	delete(s.taskOrder, jobID)
	delete(s.artifacts, jobID)
	delete(s.approvals, jobID)
	delete(s.usage, jobID)
	return nil
}

func (s *MemoryStore) UpdateJobStage(_ context.Context, jobID string, stage models.Stage, status models.JobStatus, failureReason string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil, ErrConflict
	}

	job.Stage = stage
	job.Status = status
	job.FailureReason = failureReason
	job.UpdatedAt = time.Now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryStore) ResetJob(_ context.Context, jobID string, stage models.Stage, status models.JobStatus) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !job.Status.IsTerminal() {
		return nil, ErrConflict
	}

	job.Stage = stage
	job.Status = status
	job.FailureReason = ""
	job.UpdatedAt = time.Now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[task.JobID]; !ok {
		return ErrNotFound
	}
	for _, id := range s.taskOrder[task.JobID] {
		existing := s.tasks[id]
		if existing.Stage == task.Stage && !existing.Status.IsTerminal() {
			return ErrConflict
		}
	}

	task.Status = models.TaskStatusQueued
	task.EnqueuedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)
	s.taskOrder[task.JobID] = append(s.taskOrder[task.JobID], task.ID)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, jobID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	ids := s.taskOrder[jobID]
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTask(s.tasks[id]))
	}
	return out, nil
}

func (s *MemoryStore) LatestTaskForStage(_ context.Context, jobID string, stage models.Stage) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.taskOrder[jobID]
	for i := len(ids) - 1; i >= 0; i-- {
		if task := s.tasks[ids[i]]; task.Stage == stage {
			return cloneTask(task), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimTask(_ context.Context, taskID, workerID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != models.TaskStatusQueued {
		return nil, ErrAlreadyClaimed
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusInProgress
	task.WorkerID = workerID
	task.StartedAt = &now
	task.Attempts++
	s.hb[taskID] = now
	return cloneTask(task), nil
}

func (s *MemoryStore) HeartbeatTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	s.hb[taskID] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinishTask(_ context.Context, taskID string, status models.TaskStatus, outputData map[string]any, errMsg string) (*models.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if task.Status.IsTerminal() {
		// Idempotent: repeated finish is a no-op.
		return cloneTask(task), false, nil
	}
	if !status.IsTerminal() {
		return nil, false, ErrConflict
	}

	now := time.Now().UTC()
	task.Status = status
	task.OutputData = cloneMap(outputData)
	task.Error = errMsg
	task.FinishedAt = &now
	delete(s.hb, taskID)
	return cloneTask(task), true, nil
}

func (s *MemoryStore) RequeueTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != models.TaskStatusInProgress {
		return nil, ErrConflict
	}

	task.Status = models.TaskStatusQueued
	task.WorkerID = ""
	task.StartedAt = nil
	delete(s.hb, taskID)
	return cloneTask(task), nil
}

func (s *MemoryStore) ListOrphanedTasks(_ context.Context, staleBefore time.Time) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for id, task := range s.tasks {
		if task.Status != models.TaskStatusInProgress {
			continue
		}
		hb, ok := s.hb[id]
		if !ok {
			if task.StartedAt != nil {
				hb = *task.StartedAt
			} else {
				continue
			}
		}
		if hb.Before(staleBefore) {
			out = append(out, cloneTask(task))
		}
	}
	return out, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	depth := 0
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusQueued {
			depth++
		}
	}
	return depth, nil
}

func (s *MemoryStore) UpsertArtifact(_ context.Context, artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[artifact.JobID]; !ok {
		return ErrNotFound
	}
	artifact.CreatedAt = time.Now().UTC()
	s.artifacts[artifact.JobID] = append(s.artifacts[artifact.JobID], cloneArtifact(artifact))
	return nil
}

func (s *MemoryStore) GetLatestArtifact(_ context.Context, jobID string, typ models.ArtifactType) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.artifacts[jobID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Type == typ {
			return cloneArtifact(rows[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestArtifacts(_ context.Context, jobID string) (map[models.ArtifactType]*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.ArtifactType]*models.Artifact)
	for _, a := range s.artifacts[jobID] {
		out[a.Type] = cloneArtifact(a) // later rows overwrite: latest wins
	}
	return out, nil
}

func (s *MemoryStore) RecordApproval(_ context.Context, approval *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[approval.JobID]; !ok {
		return ErrNotFound
	}
	approval.CreatedAt = time.Now().UTC()
	s.approvals[approval.JobID] = append(s.approvals[approval.JobID], cloneApproval(approval))
	return nil
}

func (s *MemoryStore) LatestApproval(_ context.Context, jobID string, stage models.Stage) (*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.approvals[jobID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Stage == stage {
			return cloneApproval(rows[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) AddUsage(_ context.Context, jobID string, delta models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	u, ok := s.usage[jobID]
	if !ok {
		u = &models.Usage{JobID: jobID}
		s.usage[jobID] = u
	}
	u.Add(delta)
	return nil
}

func (s *MemoryStore) GetUsage(_ context.Context, jobID string) (*models.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	u, ok := s.usage[jobID]
	if !ok {
		return &models.Usage{JobID: jobID}, nil
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) WithJobLock(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	s.lockMu.Lock()
	lock, ok := s.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.jobLocks[jobID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// WithTx applies writes immediately: every method already commits atomically
// under the store mutex, and transition callers hold the job lock, so partial
// state is never observed.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// --- clone helpers: callers never share map memory with the store ---

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Metadata = cloneMap(j.Metadata)
	return &c
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.InputData = cloneMap(t.InputData)
	c.OutputData = cloneMap(t.OutputData)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func cloneArtifact(a *models.Artifact) *models.Artifact {
	c := *a
	c.Metadata = cloneMap(a.Metadata)
	return &c
}

func cloneApproval(a *models.Approval) *models.Approval {
	c := *a
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
