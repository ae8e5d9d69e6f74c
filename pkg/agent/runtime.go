package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/memory"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/skills"
	"github.com/agentbus/agentbus/pkg/store"
)

// memorySnippetLimit bounds how much of an artifact is stored for recall.
const memorySnippetLimit = 1000

// Runtime executes tasks by dispatching them to registered agents. It is the
// production queue.Executor: it loads the agent's context from the store,
// runs the agent, and commits the artifact and usage before reporting
// success, so a crash after commit costs at most a duplicate artifact row
// (latest-wins reads absorb it).
type Runtime struct {
	registry *Registry
	store    store.Store
	bus      *events.Bus
	llm      llm.Client
	memory   memory.Client
	skills   *skills.Registry
	logger   *slog.Logger
}

// NewRuntime builds the executor shared by all workers.
func NewRuntime(registry *Registry, st store.Store, bus *events.Bus, client llm.Client, mem memory.Client, sk *skills.Registry, logger *slog.Logger) *Runtime {
	return &Runtime{
		registry: registry,
		store:    st,
		bus:      bus,
		llm:      client,
		memory:   mem,
		skills:   sk,
		logger:   logger.With("component", "agent_runtime"),
	}
}

// Execute runs the task's agent to completion and returns the outcome the
// worker persists via FinishTask. It never panics: agent crashes become
// unknown failures.
func (r *Runtime) Execute(ctx context.Context, task *models.Task) (result *queue.ExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent panicked", "task_id", task.ID, "agent_kind", task.AgentKind, "panic", rec)
			result = failedResult(NewFailure(FailureUnknown, "agent panicked: %v", rec))
		}
	}()

	ag := r.registry.Resolve(task.AgentKind)
	if ag == nil {
		return failedResult(NewFailure(FailureBadInput, "no agent registered for kind %q", task.AgentKind))
	}

	job, err := r.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failedResult(NewFailure(FailureBadInput, "job %s not found", task.JobID))
		}
		return failedResult(ClassifyError(err))
	}
	if job.Status.IsTerminal() {
		// A cancel that committed before our claim. Do not spend an LLM call
		// on a job nobody is waiting for.
		return failedResult(NewFailure(FailureCancelled, "job is %s", job.Status))
	}

	artifacts, err := r.store.LatestArtifacts(ctx, task.JobID)
	if err != nil {
		return failedResult(ClassifyError(err))
	}

	actx := &Context{
		Job:       job,
		Artifacts: artifacts,
		Memory:    r.memory,
		LLM:       r.llm,
		Skills:    r.skills,
		PublishDiagnostic: func(data map[string]any) {
			r.bus.Publish(events.AgentEvent(task.JobID, task.Stage, task.AgentKind, data))
		},
	}

	out, err := ag.Run(ctx, task.InputData, actx)
	if err != nil {
		return failedResult(ClassifyError(err))
	}

	// Commit the artifact and usage before reporting success. The commit uses
	// a detached context: a cancel arriving after the agent finished must not
	// leave a succeeded task with no artifact.
	commitCtx := context.WithoutCancel(ctx)
	artifact := &models.Artifact{
		ID:       uuid.NewString(),
		JobID:    task.JobID,
		Type:     out.ArtifactType,
		Content:  out.Content,
		Metadata: out.StructuredOutput,
	}
	if err := r.store.UpsertArtifact(commitCtx, artifact); err != nil {
		return failedResult(ClassifyError(err))
	}
	if out.Usage != (models.Usage{}) {
		if err := r.store.AddUsage(commitCtx, task.JobID, out.Usage); err != nil {
			// Usage is advisory; the artifact is already durable.
			r.logger.Warn("usage accumulation failed", "task_id", task.ID, "error", err)
		}
	}

	r.remember(commitCtx, task, out)

	return &queue.ExecutionResult{
		Status: models.TaskStatusSucceeded,
		Output: map[string]any{
			"artifact_id":       artifact.ID,
			"artifact_type":     string(out.ArtifactType),
			"structured_output": out.StructuredOutput,
			"memory_hits":       len(out.MemoryHits),
		},
	}
}

// remember stores a bounded artifact snippet for later recall. Best-effort.
func (r *Runtime) remember(ctx context.Context, task *models.Task, out *Result) {
	snippet := out.Content
	if len(snippet) > memorySnippetLimit {
		snippet = snippet[:memorySnippetLimit]
	}
	content := fmt.Sprintf("%s artifact for stage %s:\n%s", out.ArtifactType, task.Stage, snippet)
	if err := r.memory.Store(ctx, task.JobID, string(out.ArtifactType), content); err != nil {
		r.logger.Warn("memory store failed", "task_id", task.ID, "error", err)
	}
}

func failedResult(f *Failure) *queue.ExecutionResult {
	return &queue.ExecutionResult{Status: models.TaskStatusFailed, Err: f}
}

var _ queue.Executor = (*Runtime)(nil)
