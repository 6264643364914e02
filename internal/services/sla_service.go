package services

import (
	"context"
	"time"

	"approvalflow/internal/repository"
	"approvalflow/pkg/models"
)

// SLAService answers warning and overdue queries over pending requests.
// Deadlines are flat wall-clock offsets; there is no business-hours
// arithmetic. Both queries are pure reads and eventually consistent with
// concurrent transitions: a consumer acting on a result must re-check the
// request's status first, since it may have transitioned in the meantime.
type SLAService struct {
	repo repository.Repository
	now  func() time.Time
}

// NewSLAService creates a new SLAService.
func NewSLAService(repo repository.Repository) *SLAService {
	return &SLAService{repo: repo, now: time.Now}
}

// GetWarnings returns pending requests whose deadline falls within the next
// thresholdHours.
func (s *SLAService) GetWarnings(ctx context.Context, thresholdHours int) ([]*models.RequestInstance, error) {
	now := s.now()
	return s.repo.ListPendingDueBetween(ctx, now, now.Add(time.Duration(thresholdHours)*time.Hour))
}

// GetOverdue returns pending requests whose deadline has already passed.
func (s *SLAService) GetOverdue(ctx context.Context) ([]*models.RequestInstance, error) {
	return s.repo.ListPendingDueBefore(ctx, s.now())
}
