package models

import (
	"time"
)

// RequestStatus is the lifecycle state of a request instance.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// RequestInstance is one approval case bound to a frozen snapshot of a
// workflow's steps. Steps is copied from the definition at submit time and
// never changes afterwards; the live definition may evolve freely.
type RequestInstance struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	WorkflowID       string         `json:"workflow_id"`
	FlowKey          string         `json:"flow_key"`
	Steps            []Step         `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Status           RequestStatus  `json:"status"`
	SLADeadline      time.Time      `json:"sla_deadline"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedBy        string         `json:"created_by"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CurrentStep returns the step the request is waiting on. It fails with
// ErrRequestNotPending for terminal requests and ErrNoActiveStep if the
// index is somehow out of range.
func (r *RequestInstance) CurrentStep() (*Step, error) {
	if r.Status.Terminal() {
		return nil, ErrRequestNotPending
	}
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return nil, ErrNoActiveStep
	}
	return &r.Steps[r.CurrentStepIndex], nil
}
