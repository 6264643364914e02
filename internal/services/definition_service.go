package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approvalflow/internal/repository"
	"approvalflow/pkg/models"
)

// DefinitionService manages workflow definitions. Structural validation
// reports every violation at once, not just the first, so an administrator
// can fix a definition in one pass.
type DefinitionService struct {
	repo     repository.Repository
	validate *validator.Validate
	logger   *logrus.Logger
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(repo repository.Repository, logger *logrus.Logger) *DefinitionService {
	return &DefinitionService{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// Create validates and stores a new definition version. The store assigns
// the next version number for the flow key and marks it latest.
func (s *DefinitionService) Create(ctx context.Context, def *models.WorkflowDefinition, actor *models.User) (*models.WorkflowDefinition, error) {
	if violations := s.validateDefinition(def); len(violations) > 0 {
		return nil, &models.ValidationError{Violations: violations}
	}

	now := time.Now()
	def.ID = uuid.New().String()
	def.Active = true
	def.CreatedBy = actor.ID
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.repo.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"flow_key": def.FlowKey,
		"version":  def.Version,
	}).Info("workflow definition created")
	return def, nil
}

// Get returns a definition version by id.
func (s *DefinitionService) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.repo.GetDefinition(ctx, id)
}

// FindActive returns the latest active definition for a flow key.
func (s *DefinitionService) FindActive(ctx context.Context, flowKey string) (*models.WorkflowDefinition, error) {
	return s.repo.FindActiveDefinition(ctx, flowKey)
}

// List returns all definition versions.
func (s *DefinitionService) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.repo.ListDefinitions(ctx)
}

// Update mutates metadata and the activation flag of a stored version. The
// step list is immutable; snapshots on already-created requests are never
// touched.
func (s *DefinitionService) Update(ctx context.Context, id string, name string, active bool) error {
	return s.repo.UpdateDefinitionMeta(ctx, id, name, active)
}

// Deactivate removes a version from FindActive's consideration without
// deleting it.
func (s *DefinitionService) Deactivate(ctx context.Context, id string) error {
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.UpdateDefinitionMeta(ctx, id, def.Name, false)
}

// validateDefinition collects every structural violation: tag-level checks
// from the validator plus the closed-enum checks it cannot express.
func (s *DefinitionService) validateDefinition(def *models.WorkflowDefinition) []string {
	var violations []string

	if err := s.validate.Struct(def); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				violations = append(violations, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	for i, step := range def.Steps {
		if step.Role != "" && !step.Role.Valid() {
			violations = append(violations, fmt.Sprintf("steps[%d]: unknown role %q", i, step.Role))
		}
		for _, action := range step.Actions {
			if !action.Valid() {
				violations = append(violations, fmt.Sprintf("steps[%d]: unknown action %q", i, action))
			}
		}
		if step.Order < 0 {
			violations = append(violations, fmt.Sprintf("steps[%d]: order must be positive", i))
		}
		if step.EscalationRole != nil && !step.EscalationRole.Valid() {
			violations = append(violations, fmt.Sprintf("steps[%d]: unknown escalation role %q", i, *step.EscalationRole))
		}
		if step.EscalationHours != nil && *step.EscalationHours <= 0 {
			violations = append(violations, fmt.Sprintf("steps[%d]: escalation hours must be positive", i))
		}
	}
	return violations
}
