package models

import (
	"time"
)

// TransitionEvent describes a committed state change. It is handed to the
// notification dispatcher strictly after the transition is durable; the
// dispatcher's failure can no longer affect the request.
type TransitionEvent struct {
	RequestID     string        `json:"request_id"`
	FlowKey       string        `json:"flow_key"`
	Action        Action        `json:"action"`
	FromStatus    RequestStatus `json:"from_status"`
	FromStepIndex int           `json:"from_step_index"`
	ToStatus      RequestStatus `json:"to_status"`
	ToStepIndex   int           `json:"to_step_index"`
	ActorID       string        `json:"actor_id"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
