package services

import (
	"context"

	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/store"
)

// UsageService serves per-job LLM consumption totals.
type UsageService struct {
	store store.Store
}

// NewUsageService creates a new UsageService.
func NewUsageService(st store.Store) *UsageService {
	return &UsageService{store: st}
}

// GetUsage returns the job's accumulated usage; zero counters if the job has
// not consumed anything yet.
func (s *UsageService) GetUsage(ctx context.Context, jobID string) (*models.Usage, error) {
	return s.store.GetUsage(ctx, jobID)
}
