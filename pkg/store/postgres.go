package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentbus/agentbus/pkg/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Store on top of PostgreSQL. Claims use
// UPDATE ... WHERE status = 'queued', which together with row-level locking
// guarantees exactly one winner per task; per-job transition serialization
// uses session-scoped advisory locks.
type PostgresStore struct {
	db *sql.DB

	// MaxJobs caps the number of non-terminal jobs; 0 means unlimited.
	MaxJobs int
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is the subset of *sql.DB and *sql.Tx the store queries through.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction carried by ctx when running inside WithTx,
// otherwise the pooled handle.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single transaction. Store calls made through the
// context passed to fn share that transaction; fn returning an error rolls
// everything back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		// Already inside a transaction; join it.
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError classifies driver errors into the store sentinels. Anything that
// is not a recognizable constraint or missing-row condition is treated as a
// transient storage failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrConflict
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func marshalJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return m, nil
}

// --- jobs ---

const jobColumns = "id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at"

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var (
		job      models.Job
		metadata []byte
		failure  sql.NullString
	)
	err := row.Scan(&job.ID, &job.ProjectID, &job.Status, &job.Stage,
		&job.Requirements, &metadata, &failure, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Metadata, err = unmarshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	job.FailureReason = failure.String
	return &job, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if s.MaxJobs > 0 {
		var active int
		err := s.q(ctx).QueryRowContext(ctx,
			`SELECT count(*) FROM jobs WHERE status NOT IN ('completed', 'failed', 'cancelled')`,
		).Scan(&active)
		if err != nil {
			return mapError(err)
		}
		if active >= s.MaxJobs {
			return ErrQuotaExhausted
		}
	}

	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)`,
		job.ID, job.ProjectID, job.Status, job.Stage, job.Requirements,
		metadata, job.FailureReason, now)
	if err != nil {
		return mapError(err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, mapError(err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, mapError(rows.Err())
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	// Child rows cascade via foreign keys.
	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`,
		jobID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) UpdateJobStage(ctx context.Context, jobID string, stage models.Stage, status models.JobStatus, failureReason string) (*models.Job, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		UPDATE jobs
		SET stage = $2, status = $3, failure_reason = NULLIF($4, ''), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns,
		jobID, stage, status, failureReason)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.GetJob(ctx, jobID); gerr != nil {
				return nil, gerr
			}
			return nil, ErrConflict
		}
		return nil, mapError(err)
	}
	return job, nil
}

func (s *PostgresStore) ResetJob(ctx context.Context, jobID string, stage models.Stage, status models.JobStatus) (*models.Job, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		UPDATE jobs
		SET stage = $2, status = $3, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns,
		jobID, stage, status)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.GetJob(ctx, jobID); gerr != nil {
				return nil, gerr
			}
			return nil, ErrConflict
		}
		return nil, mapError(err)
	}
	return job, nil
}

// --- tasks ---

const taskColumns = "id, job_id, stage, agent_kind, status, input_data, output_data, attempts, worker_id, error, enqueued_at, started_at, finished_at"

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var (
		task       models.Task
		inputData  []byte
		outputData []byte
		workerID   sql.NullString
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&task.ID, &task.JobID, &task.Stage, &task.AgentKind,
		&task.Status, &inputData, &outputData, &task.Attempts,
		&workerID, &errMsg, &task.EnqueuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	task.InputData, err = unmarshalJSON(inputData)
	if err != nil {
		return nil, err
	}
	task.OutputData, err = unmarshalJSON(outputData)
	if err != nil {
		return nil, err
	}
	task.WorkerID = workerID.String
	task.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return &task, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	inputData, err := marshalJSON(task.InputData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, stage, agent_kind, status, input_data, attempts, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.JobID, task.Stage, task.AgentKind, task.Status,
		inputData, task.Attempts, now)
	if err != nil {
		return mapError(err)
	}
	task.EnqueuedAt = now
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY enqueued_at ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, mapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, mapError(rows.Err())
}

func (s *PostgresStore) LatestTaskForStage(ctx context.Context, jobID string, stage models.Stage) (*models.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE job_id = $1 AND stage = $2
		ORDER BY enqueued_at DESC, id DESC
		LIMIT 1`,
		jobID, stage)
	task, err := scanTask(row)
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func (s *PostgresStore) ClaimTask(ctx context.Context, taskID, workerID string) (*models.Task, error) {
	// The status guard in the WHERE clause makes the claim atomic: two
	// concurrent claimers race on the row lock and the loser matches zero rows.
	row := s.q(ctx).QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', worker_id = $2, attempts = attempts + 1,
		    started_at = now(), heartbeat_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+taskColumns,
		taskID, workerID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.GetTask(ctx, taskID); gerr != nil {
				return nil, gerr
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, mapError(err)
	}
	return task, nil
}

func (s *PostgresStore) HeartbeatTask(ctx context.Context, taskID string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at = now() WHERE id = $1 AND status = 'in_progress'`,
		taskID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, taskID string, status models.TaskStatus, outputData map[string]any, errMsg string) (*models.Task, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: finish status must be terminal, got %q", ErrConflict, status)
	}
	output, err := marshalJSON(outputData)
	if err != nil {
		return nil, false, err
	}
	row := s.q(ctx).QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2, output_data = $3, error = NULLIF($4, ''),
		    finished_at = now(), heartbeat_at = NULL
		WHERE id = $1 AND status IN ('queued', 'in_progress')
		RETURNING `+taskColumns,
		taskID, status, output, errMsg)
	task, scanErr := scanTask(row)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			// Already terminal (duplicate finish) or missing.
			existing, gerr := s.GetTask(ctx, taskID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, mapError(scanErr)
	}
	return task, true, nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'queued', worker_id = NULL, started_at = NULL, heartbeat_at = NULL
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+taskColumns,
		taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.GetTask(ctx, taskID); gerr != nil {
				return nil, gerr
			}
			return nil, ErrConflict
		}
		return nil, mapError(err)
	}
	return task, nil
}

func (s *PostgresStore) ListOrphanedTasks(ctx context.Context, staleBefore time.Time) ([]*models.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'in_progress' AND heartbeat_at < $1
		ORDER BY heartbeat_at ASC`,
		staleBefore.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, mapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, mapError(rows.Err())
}

func (s *PostgresStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE status = 'queued'`).Scan(&depth)
	if err != nil {
		return 0, mapError(err)
	}
	return depth, nil
}

// --- artifacts ---

func (s *PostgresStore) UpsertArtifact(ctx context.Context, artifact *models.Artifact) error {
	metadata, err := marshalJSON(artifact.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, artifact_type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		artifact.ID, artifact.JobID, artifact.Type, artifact.Content, metadata, now)
	if err != nil {
		return mapError(err)
	}
	artifact.CreatedAt = now
	return nil
}

const artifactColumns = "id, job_id, artifact_type, content, metadata, created_at"

func scanArtifact(row interface{ Scan(...any) error }) (*models.Artifact, error) {
	var (
		artifact models.Artifact
		metadata []byte
	)
	err := row.Scan(&artifact.ID, &artifact.JobID, &artifact.Type,
		&artifact.Content, &metadata, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	artifact.Metadata, err = unmarshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *PostgresStore) GetLatestArtifact(ctx context.Context, jobID string, typ models.ArtifactType) (*models.Artifact, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE job_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		jobID, typ)
	artifact, err := scanArtifact(row)
	if err != nil {
		return nil, mapError(err)
	}
	return artifact, nil
}

func (s *PostgresStore) LatestArtifacts(ctx context.Context, jobID string) (map[models.ArtifactType]*models.Artifact, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT ON (artifact_type) `+artifactColumns+` FROM artifacts
		WHERE job_id = $1
		ORDER BY artifact_type, created_at DESC, id DESC`,
		jobID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	latest := make(map[models.ArtifactType]*models.Artifact)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, mapError(err)
		}
		latest[artifact.Type] = artifact
	}
	return latest, mapError(rows.Err())
}

// --- approvals ---

func (s *PostgresStore) RecordApproval(ctx context.Context, approval *models.Approval) error {
	now := time.Now().UTC()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO approvals (id, job_id, stage, decision, notes, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		approval.ID, approval.JobID, approval.Stage, approval.Decision, approval.Notes, now)
	if err != nil {
		return mapError(err)
	}
	approval.CreatedAt = now
	return nil
}

func (s *PostgresStore) LatestApproval(ctx context.Context, jobID string, stage models.Stage) (*models.Approval, error) {
	var (
		approval models.Approval
		notes    sql.NullString
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, job_id, stage, decision, notes, created_at FROM approvals
		WHERE job_id = $1 AND stage = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		jobID, stage).Scan(&approval.ID, &approval.JobID, &approval.Stage,
		&approval.Decision, &notes, &approval.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	approval.Notes = notes.String
	return &approval, nil
}

// --- usage ---

func (s *PostgresStore) AddUsage(ctx context.Context, jobID string, delta models.Usage) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO usage_counters (job_id, input_tokens, output_tokens, calls, cost_usd)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE SET
			input_tokens  = usage_counters.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_counters.output_tokens + EXCLUDED.output_tokens,
			calls         = usage_counters.calls + EXCLUDED.calls,
			cost_usd      = usage_counters.cost_usd + EXCLUDED.cost_usd`,
		jobID, delta.InputTokens, delta.OutputTokens, delta.Calls, delta.CostUSD)
	return mapError(err)
}

func (s *PostgresStore) GetUsage(ctx context.Context, jobID string) (*models.Usage, error) {
	usage := models.Usage{JobID: jobID}
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT input_tokens, output_tokens, calls, cost_usd
		FROM usage_counters WHERE job_id = $1`,
		jobID).Scan(&usage.InputTokens, &usage.OutputTokens, &usage.Calls, &usage.CostUSD)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No LLM calls recorded yet. Distinguish from a missing job.
			if _, gerr := s.GetJob(ctx, jobID); gerr != nil {
				return nil, gerr
			}
			return &usage, nil
		}
		return nil, mapError(err)
	}
	return &usage, nil
}

// --- locking / lifecycle ---

// WithJobLock serializes fn against other holders of the same job's lock
// using a session-scoped advisory lock pinned to one pooled connection.
// The unlock runs even when ctx is already cancelled, otherwise the lock
// would leak until the connection is recycled.
func (s *PostgresStore) WithJobLock(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx,
		`SELECT pg_advisory_lock(hashtextextended($1, 0))`, jobID); err != nil {
		return mapError(err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, jobID)
	}()

	return fn(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
