// Package mlrouter decides whether the next stage's task needs the GPU
// worker class. The production classifier is an external collaborator; the
// keyword heuristic here stands in for it and keeps the routing contract
// (a single boolean on the task input) intact.
package mlrouter

import (
	"context"
	"strings"

	"github.com/agentbus/agentbus/pkg/models"
)

// Classifier decides the ml_required flag for a stage from the job's
// accumulated artifacts.
type Classifier interface {
	MLRequired(ctx context.Context, job *models.Job, stage models.Stage, artifacts map[models.ArtifactType]*models.Artifact) bool
}

// Keyword is the default heuristic classifier: development and QA stages go
// to the GPU class when the planning artifacts mention ML workloads.
type Keyword struct{}

var mlKeywords = []string{
	"machine learning", "neural network", "model training", "fine-tune",
	"fine tuning", "embedding", "inference", "gpu", "cuda", "pytorch",
	"tensorflow", "llm",
}

// gpuStages are the stages whose work can be compute-bound enough to route.
var gpuStages = map[models.Stage]bool{
	models.StageDevelopment: true,
	models.StageQATesting:   true,
}

// MLRequired reports whether the stage's task should be flagged for the GPU
// queue.
func (Keyword) MLRequired(_ context.Context, job *models.Job, stage models.Stage, artifacts map[models.ArtifactType]*models.Artifact) bool {
	if !gpuStages[stage] {
		return false
	}

	if containsMLKeyword(job.Requirements) {
		return true
	}
	for _, typ := range []models.ArtifactType{models.ArtifactTypePRD, models.ArtifactTypePlan, models.ArtifactTypeArchitecture} {
		if a, ok := artifacts[typ]; ok && containsMLKeyword(a.Content) {
			return true
		}
	}
	return false
}

func containsMLKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range mlKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var _ Classifier = Keyword{}

// Static always answers the same; used by tests to pin routing.
type Static bool

func (s Static) MLRequired(context.Context, *models.Job, models.Stage, map[models.ArtifactType]*models.Artifact) bool {
	return bool(s)
}

var _ Classifier = Static(false)
