package services

import (
	"approvalflow/pkg/models"
)

// Authorizer decides whether an actor may perform an action on a request's
// current step, and separately whether an actor may read a request at all.
// It is pure; all inputs come from the caller.
type Authorizer struct{}

// NewAuthorizer creates a new Authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

// CanAct returns nil if the actor may perform the action on the request's
// current step. The action must be in the step's allowed set, and the actor
// must hold the expected role (the escalation target if the step was
// escalated, the step's own role otherwise). A prior delegation narrows the
// expectation to one specific user. Admins pass either way.
func (a *Authorizer) CanAct(req *models.RequestInstance, actor *models.User, action models.Action) error {
	step, err := req.CurrentStep()
	if err != nil {
		return err
	}
	if !step.AllowsAction(action) {
		return models.ErrInvalidAction
	}
	if actor.IsAdmin() {
		return nil
	}
	if step.DelegatedTo != nil {
		if actor.ID == *step.DelegatedTo {
			return nil
		}
		return models.ErrInsufficientRole
	}
	if actor.Role == step.ExpectedRole() {
		return nil
	}
	return models.ErrInsufficientRole
}

// CanView reports whether the actor may read the request and its history.
// Creators always see their own requests, admins see everything, and a
// manager sees a request while it sits on a manager-owned step or one that
// was escalated to admin.
func (a *Authorizer) CanView(req *models.RequestInstance, actor *models.User) bool {
	if actor.IsAdmin() || req.CreatedBy == actor.ID {
		return true
	}
	if actor.Role != models.RoleManager {
		return false
	}
	step, err := req.CurrentStep()
	if err != nil {
		return false
	}
	if step.Role == models.RoleManager {
		return true
	}
	return step.EscalatedTo != nil && *step.EscalatedTo == models.RoleAdmin
}
