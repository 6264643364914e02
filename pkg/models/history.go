package models

import (
	"time"
)

// HistoryEntry is one row of the append-only audit ledger. ActorEmail and
// ActorRole are snapshotted at write time so later changes to the user row
// do not rewrite history.
type HistoryEntry struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	ActorID    string         `json:"actor_id"`
	ActorEmail string         `json:"actor_email"`
	ActorRole  Role           `json:"actor_role"`
	Action     Action         `json:"action"`
	StepID     string         `json:"step_id,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
