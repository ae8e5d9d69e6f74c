package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/memory"
	"github.com/agentbus/agentbus/pkg/models"
)

// stageSpec declares one LLM-backed stage agent: what it needs, what it
// produces, and how it prompts the model.
type stageSpec struct {
	kind              models.AgentKind
	artifactType      models.ArtifactType
	retrySafe         bool
	requiredInputs    []string
	requiredArtifacts []models.ArtifactType
	system            string
	instruction       string
}

// stageAgent is the shared implementation behind every LLM-backed agent.
// The LLM client arrives through the Context so the runtime controls retry
// and timeout policy in one place.
type stageAgent struct {
	spec stageSpec
}

func (a *stageAgent) Kind() models.AgentKind { return a.spec.kind }
func (a *stageAgent) RetrySafe() bool        { return a.spec.retrySafe }

func (a *stageAgent) Run(ctx context.Context, input map[string]any, actx *Context) (*Result, error) {
	for _, key := range a.spec.requiredInputs {
		if v, ok := input[key].(string); !ok || v == "" {
			return nil, NewFailure(FailureBadInput, "missing required input %q", key)
		}
	}
	for _, typ := range a.spec.requiredArtifacts {
		if actx.Artifacts[typ] == nil {
			return nil, NewFailure(FailureBadInput, "missing required artifact %q", typ)
		}
	}

	query := actx.Job.Requirements
	if q, ok := input[models.InputKeyRequirements].(string); ok && q != "" {
		query = q
	}
	hits, err := actx.Memory.Search(ctx, actx.Job.ID, query, 5)
	if err != nil {
		// Recall is best-effort; a broken memory store must not fail a stage.
		hits = nil
	}

	// Cancellation checkpoint between the recall step and the LLM call.
	if err := ctx.Err(); err != nil {
		return nil, ClassifyError(err)
	}

	if actx.PublishDiagnostic != nil {
		actx.PublishDiagnostic(map[string]any{
			"step":        "llm_call",
			"model":       actx.LLM.Model(),
			"memory_hits": len(hits),
		})
	}

	resp, err := actx.LLM.Complete(ctx, llm.Request{
		System: a.spec.system,
		Messages: []llm.Message{
			{Role: "user", Content: a.buildPrompt(input, actx, hits)},
		},
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, NewFailure(FailureUnknown, "model returned empty %s content", a.spec.artifactType)
	}

	return &Result{
		ArtifactType: a.spec.artifactType,
		Content:      resp.Content,
		StructuredOutput: map[string]any{
			"model": actx.LLM.Model(),
			"stage": string(a.spec.kind),
		},
		Usage:      resp.Usage,
		MemoryHits: hits,
	}, nil
}

// buildPrompt assembles the user prompt: instruction, requirements, revision
// notes, prior artifacts, skills, and recalled memory.
func (a *stageAgent) buildPrompt(input map[string]any, actx *Context, hits []memory.Hit) string {
	var b strings.Builder
	b.WriteString(a.spec.instruction)
	b.WriteString("\n\n## Requirements\n")
	b.WriteString(actx.Job.Requirements)

	if notes, ok := input[models.InputKeyRevisionNotes].(string); ok && notes != "" {
		b.WriteString("\n\n## Revision notes from the reviewer\n")
		b.WriteString(notes)
	}

	for _, typ := range a.spec.requiredArtifacts {
		artifact := actx.Artifacts[typ]
		fmt.Fprintf(&b, "\n\n## Prior artifact: %s\n%s", typ, artifact.Content)
	}

	if skillSet := actx.Skills.ForKind(string(a.spec.kind)); len(skillSet) > 0 {
		b.WriteString("\n\n## Available skills\n")
		for _, s := range skillSet {
			fmt.Fprintf(&b, "- %s: %s\n  %s\n", s.Name, s.Description, s.Instructions)
		}
	}

	if len(hits) > 0 {
		b.WriteString("\n\n## Recalled context\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- (%s) %s\n", h.Kind, h.Content)
		}
	}
	return b.String()
}

var _ Agent = (*stageAgent)(nil)

// DefaultAgents builds the production agent set, one per pipeline stage.
func DefaultAgents() []Agent {
	specs := []stageSpec{
		{
			kind:           models.AgentKindPRD,
			artifactType:   models.ArtifactTypePRD,
			retrySafe:      true,
			requiredInputs: []string{models.InputKeyRequirements},
			system:         "You are a senior product manager. You write complete, unambiguous product requirement documents.",
			instruction:    "Write a PRD for the product described below: problem statement, user stories, functional requirements, acceptance criteria, and explicit non-goals.",
		},
		{
			kind:              models.AgentKindPlan,
			artifactType:      models.ArtifactTypePlan,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypePRD},
			system:            "You are a technical program manager. You turn PRDs into executable delivery plans.",
			instruction:       "Produce a delivery plan from the PRD: milestones, work breakdown, dependencies, and risks with mitigations.",
		},
		{
			kind:              models.AgentKindArchitect,
			artifactType:      models.ArtifactTypeArchitecture,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypePRD, models.ArtifactTypePlan},
			system:            "You are a software architect. You design pragmatic, evolvable systems.",
			instruction:       "Design the system architecture for this product: component breakdown, data model, API surface, and technology choices with rationale.",
		},
		{
			kind:              models.AgentKindUIUX,
			artifactType:      models.ArtifactTypeUIUX,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypePRD},
			system:            "You are a UX designer. You specify interfaces precisely enough to build from.",
			instruction:       "Specify the UI/UX: screen inventory, user flows, interaction states, and accessibility requirements.",
		},
		{
			kind:              models.AgentKindDeveloper,
			artifactType:      models.ArtifactTypeDevelopment,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypeArchitecture},
			system:            "You are a senior engineer. You implement designs faithfully and document what you built.",
			instruction:       "Describe the implementation of the architecture below: module layout, key interfaces with signatures, notable algorithms, and the resulting code organization.",
		},
		{
			kind:              models.AgentKindQA,
			artifactType:      models.ArtifactTypeQA,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypeDevelopment},
			system:            "You are a QA engineer. You find the cases developers forgot.",
			instruction:       "Write the QA report for this implementation: test plan, executed cases, defects found with severity, and a ship/no-ship recommendation.",
		},
		{
			kind:              models.AgentKindSecurity,
			artifactType:      models.ArtifactTypeSecurity,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypeDevelopment},
			system:            "You are an application security reviewer.",
			instruction:       "Review the implementation for security issues: threat model, findings ranked by severity, and required remediations.",
		},
		{
			kind:              models.AgentKindDocumentation,
			artifactType:      models.ArtifactTypeDocumentation,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypeDevelopment},
			system:            "You are a technical writer producing developer documentation.",
			instruction:       "Write the developer documentation: overview, setup, API reference outline, and operational runbook.",
		},
		{
			kind:              models.AgentKindSupport,
			artifactType:      models.ArtifactTypeSupport,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypeDevelopment},
			system:            "You are a support engineer writing end-user help content.",
			instruction:       "Write the support documentation: getting-started guide, FAQ, and troubleshooting steps for common failures.",
		},
		{
			kind:              models.AgentKindPMReview,
			artifactType:      models.ArtifactTypePMReview,
			retrySafe:         true,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypePRD, models.ArtifactTypeQA},
			system:            "You are the product manager signing off a release.",
			instruction:       "Review the deliverables against the PRD: requirement-by-requirement verdict, open gaps, and an overall go/no-go decision.",
		},
		{
			kind:              models.AgentKindDelivery,
			artifactType:      models.ArtifactTypeDelivery,
			requiredArtifacts: []models.ArtifactType{models.ArtifactTypePMReview},
			system:            "You are a release manager.",
			instruction:       "Produce the delivery package summary: release notes, deployment steps, and rollback plan.",
		},
	}

	agents := make([]Agent, len(specs))
	for i, spec := range specs {
		agents[i] = &stageAgent{spec: spec}
	}
	return agents
}
