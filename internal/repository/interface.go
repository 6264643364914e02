package repository

import (
	"context"
	"time"

	"approvalflow/pkg/models"
)

// Transition is a conditional write against a single pending request. It
// only applies if the request is still pending at ExpectedStepIndex; if
// another transition committed first, zero rows change and the store
// returns models.ErrConcurrentModification. The history entry is written in
// the same atomic unit, so a failed transition leaves no ledger row.
type Transition struct {
	RequestID         string
	ExpectedStepIndex int

	Status           models.RequestStatus
	CurrentStepIndex int
	Steps            []models.Step // nil leaves the snapshot unchanged
	SLADeadline      *time.Time    // nil leaves the deadline unchanged
	CompletedAt      *time.Time

	Entry *models.HistoryEntry
}

// RequestFilter narrows ListRequests. Zero values mean "no constraint".
type RequestFilter struct {
	Status    models.RequestStatus
	CreatedBy string
	FlowKey   string
	Limit     int
	Offset    int
}

// Repository is the persistence boundary for the approval core. Services
// depend on this interface only, so they are testable against the in-memory
// implementation without a live database.
type Repository interface {
	// Workflow definitions. CreateDefinition assigns the next version for
	// the definition's flow key and marks it latest.
	CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	FindActiveDefinition(ctx context.Context, flowKey string) (*models.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
	// UpdateDefinitionMeta mutates name and activation flag only; the step
	// list of a stored version is immutable.
	UpdateDefinitionMeta(ctx context.Context, id string, name string, active bool) error

	// Request instances. CreateRequest persists the request and its SUBMIT
	// history entry atomically.
	CreateRequest(ctx context.Context, req *models.RequestInstance, entry *models.HistoryEntry) error
	GetRequest(ctx context.Context, id string) (*models.RequestInstance, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.RequestInstance, error)
	ApplyTransition(ctx context.Context, t *Transition) error

	// SLA read queries over pending requests. Both are pure reads.
	ListPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*models.RequestInstance, error)
	ListPendingDueBetween(ctx context.Context, from, to time.Time) ([]*models.RequestInstance, error)

	// Audit ledger. Entries are write-once; there is no update or delete.
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, requestID string) ([]*models.HistoryEntry, error)

	// Users.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}
