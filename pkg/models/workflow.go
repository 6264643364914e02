// Package models defines the domain models for the approval service
package models

import (
	"time"
)

// Role identifies who is expected to act on a step. The set is closed so
// authorization checks can be exhaustive.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Action is something an actor can do to a request.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
	ActionEscalate Action = "escalate"
	ActionDelegate Action = "delegate"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionSubmit, ActionApprove, ActionReject, ActionCancel, ActionEscalate, ActionDelegate:
		return true
	}
	return false
}

// Step is one stage of a workflow: who owns it, what they may do, and how
// long they have. EscalatedTo and DelegatedTo are only ever set on the copy
// of a step embedded in a request snapshot; the definition's own steps never
// carry them.
type Step struct {
	StepID          string   `json:"step_id" validate:"required"`
	Name            string   `json:"name,omitempty"`
	Role            Role     `json:"role" validate:"required"`
	Actions         []Action `json:"actions" validate:"min=1"`
	SLAHours        int      `json:"sla_hours" validate:"gt=0"`
	Required        bool     `json:"required"`
	Order           int      `json:"order,omitempty"`
	EscalationRole  *Role    `json:"escalation_role,omitempty"`
	EscalationHours *int     `json:"escalation_hours,omitempty"`

	// Per-request reassignment state, present only in snapshots.
	EscalatedTo *Role   `json:"escalated_to,omitempty"`
	DelegatedTo *string `json:"delegated_to,omitempty"`
}

// ExpectedRole is the role an approver must hold for this step, taking a
// prior escalation into account.
func (s *Step) ExpectedRole() Role {
	if s.EscalatedTo != nil {
		return *s.EscalatedTo
	}
	return s.Role
}

// AllowsAction reports whether the step permits the given action.
func (s *Step) AllowsAction(action Action) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// WorkflowDefinition is a named, versioned sequence of approval steps.
// FlowKey is the stable concept id shared by all versions; ID identifies one
// version. Only the latest active version is handed to new requests.
type WorkflowDefinition struct {
	ID        string    `json:"id"`
	FlowKey   string    `json:"flow_key" validate:"required"`
	Name      string    `json:"name" validate:"required"`
	Version   int       `json:"version"`
	IsLatest  bool      `json:"is_latest"`
	Active    bool      `json:"active"`
	Steps     []Step    `json:"steps" validate:"min=1,dive"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotSteps returns a deep copy of the definition's steps, suitable for
// freezing onto a new request. Later edits to the definition never reach the
// copy.
func (d *WorkflowDefinition) SnapshotSteps() []Step {
	return CopySteps(d.Steps)
}

// CopySteps deep-copies a step slice including the optional pointer fields.
func CopySteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Actions = append([]Action(nil), s.Actions...)
		if s.EscalationRole != nil {
			r := *s.EscalationRole
			out[i].EscalationRole = &r
		}
		if s.EscalationHours != nil {
			h := *s.EscalationHours
			out[i].EscalationHours = &h
		}
		if s.EscalatedTo != nil {
			r := *s.EscalatedTo
			out[i].EscalatedTo = &r
		}
		if s.DelegatedTo != nil {
			u := *s.DelegatedTo
			out[i].DelegatedTo = &u
		}
	}
	return out
}
