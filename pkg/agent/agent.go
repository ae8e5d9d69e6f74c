// Package agent defines the stage agent contract, the static registry, and
// the LLM-backed agents that produce each pipeline stage's artifact.
package agent

import (
	"context"
	"fmt"

	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/memory"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/skills"
)

// Context is everything an agent may touch during Run. Side effects are
// limited to the clients here; the worker persists the result on the agent's
// behalf.
type Context struct {
	Job       *models.Job
	Artifacts map[models.ArtifactType]*models.Artifact
	Memory    memory.Client
	LLM       llm.Client
	Skills    *skills.Registry

	// PublishDiagnostic emits an agent_event; may be nil.
	PublishDiagnostic func(data map[string]any)
}

// Result is an agent's output. The runtime writes the artifact and usage.
type Result struct {
	ArtifactType     models.ArtifactType
	Content          string
	StructuredOutput map[string]any
	Usage            models.Usage
	MemoryHits       []memory.Hit
}

// Agent is one stage's implementation.
//
// Run must honor ctx cancellation between steps (at minimum between LLM
// calls) and return promptly once ctx is done. Errors should be *Failure
// values; anything else is classified as unknown.
type Agent interface {
	Kind() models.AgentKind
	// RetrySafe reports whether re-running the whole stage after a failure
	// is safe (no partial side effects that a second run would compound).
	RetrySafe() bool
	Run(ctx context.Context, input map[string]any, actx *Context) (*Result, error)
}

// Registry maps agent kinds to implementations. Built once at startup;
// read-only afterwards.
type Registry struct {
	agents map[models.AgentKind]Agent
}

// NewRegistry builds a registry from the given agents. Duplicate kinds are a
// programming error.
func NewRegistry(agents ...Agent) (*Registry, error) {
	reg := &Registry{agents: make(map[models.AgentKind]Agent, len(agents))}
	for _, a := range agents {
		if _, dup := reg.agents[a.Kind()]; dup {
			return nil, fmt.Errorf("duplicate agent kind %q", a.Kind())
		}
		reg.agents[a.Kind()] = a
	}
	return reg, nil
}

// Resolve returns the agent for the kind, or nil when unregistered.
func (r *Registry) Resolve(kind models.AgentKind) Agent {
	return r.agents[kind]
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []models.AgentKind {
	kinds := make([]models.AgentKind, 0, len(r.agents))
	for k := range r.agents {
		kinds = append(kinds, k)
	}
	return kinds
}
