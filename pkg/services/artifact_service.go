package services

import (
	"context"

	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/store"
)

// ArtifactService serves the latest-wins artifact reads.
type ArtifactService struct {
	store store.Store
}

// NewArtifactService creates a new ArtifactService.
func NewArtifactService(st store.Store) *ArtifactService {
	return &ArtifactService{store: st}
}

// GetLatest returns the canonical artifact of the given type for the job.
func (s *ArtifactService) GetLatest(ctx context.Context, jobID string, typ models.ArtifactType) (*models.Artifact, error) {
	if !models.ValidArtifactType(typ) {
		return nil, NewValidationError("artifact_type", "unknown type")
	}
	return s.store.GetLatestArtifact(ctx, jobID, typ)
}

// ListLatest returns the canonical artifact per type for the job.
func (s *ArtifactService) ListLatest(ctx context.Context, jobID string) (map[models.ArtifactType]*models.Artifact, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.LatestArtifacts(ctx, jobID)
}
