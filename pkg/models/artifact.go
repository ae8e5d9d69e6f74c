package models

import "time"

// ArtifactType identifies the kind of durable stage output.
type ArtifactType string

// Artifact type constants.
const (
	ArtifactTypePRD              ArtifactType = "prd"
	ArtifactTypePlan             ArtifactType = "plan"
	ArtifactTypeArchitecture     ArtifactType = "architecture"
	ArtifactTypeUIUX             ArtifactType = "uiux"
	ArtifactTypeDevelopment      ArtifactType = "development"
	ArtifactTypeQA               ArtifactType = "qa"
	ArtifactTypeSecurity         ArtifactType = "security"
	ArtifactTypeDocumentation    ArtifactType = "documentation"
	ArtifactTypeSupport          ArtifactType = "support"
	ArtifactTypePMReview         ArtifactType = "pm_review"
	ArtifactTypeDelivery         ArtifactType = "delivery"
	ArtifactTypeFeatureTree      ArtifactType = "feature_tree"
	ArtifactTypeFeatureTreeGraph ArtifactType = "feature_tree_graph"
)

// ValidArtifactType reports whether t is a known artifact type.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case ArtifactTypePRD, ArtifactTypePlan, ArtifactTypeArchitecture,
		ArtifactTypeUIUX, ArtifactTypeDevelopment, ArtifactTypeQA,
		ArtifactTypeSecurity, ArtifactTypeDocumentation, ArtifactTypeSupport,
		ArtifactTypePMReview, ArtifactTypeDelivery, ArtifactTypeFeatureTree,
		ArtifactTypeFeatureTreeGraph:
		return true
	}
	return false
}

// Artifact is a durable, addressable output of a stage. Rows are append-only;
// per (job_id, artifact_type) the latest row is canonical and earlier rows
// remain as history.
type Artifact struct {
	ID        string         `json:"artifact_id"`
	JobID     string         `json:"job_id"`
	Type      ArtifactType   `json:"artifact_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
