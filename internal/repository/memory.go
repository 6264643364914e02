package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"approvalflow/pkg/models"
)

// MemoryStore is an in-memory implementation of the Repository interface.
// It mirrors the Postgres store's conditional-write semantics under a
// single mutex, which makes it a faithful stand-in for service tests and
// local development without a database.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string]*models.WorkflowDefinition
	requests    map[string]*models.RequestInstance
	history     map[string][]*models.HistoryEntry
	users       map[string]*models.User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*models.WorkflowDefinition),
		requests:    make(map[string]*models.RequestInstance),
		history:     make(map[string][]*models.HistoryEntry),
		users:       make(map[string]*models.User),
	}
}

// CreateDefinition stores a new definition version for its flow key.
func (s *MemoryStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 0
	for _, existing := range s.definitions {
		if existing.FlowKey == def.FlowKey {
			existing.IsLatest = false
			if existing.Version > version {
				version = existing.Version
			}
		}
	}
	def.Version = version + 1
	def.IsLatest = true

	stored := *def
	stored.Steps = models.CopySteps(def.Steps)
	s.definitions[def.ID] = &stored
	return nil
}

// GetDefinition retrieves a definition version by id.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	return copyDefinition(def), nil
}

// FindActiveDefinition returns the latest active definition for a flow key.
func (s *MemoryStore) FindActiveDefinition(ctx context.Context, flowKey string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.WorkflowDefinition
	for _, def := range s.definitions {
		if def.FlowKey != flowKey || !def.Active {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, models.ErrWorkflowNotFound
	}
	return copyDefinition(best), nil
}

// ListDefinitions returns all definition versions.
func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]*models.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, copyDefinition(def))
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].FlowKey != defs[j].FlowKey {
			return defs[i].FlowKey < defs[j].FlowKey
		}
		return defs[i].Version > defs[j].Version
	})
	return defs, nil
}

// UpdateDefinitionMeta updates name and activation flag only.
func (s *MemoryStore) UpdateDefinitionMeta(ctx context.Context, id string, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return models.ErrWorkflowNotFound
	}
	def.Name = name
	def.Active = active
	def.UpdatedAt = time.Now()
	return nil
}

// CreateRequest stores a request and its SUBMIT entry atomically.
func (s *MemoryStore) CreateRequest(ctx context.Context, req *models.RequestInstance, entry *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *req
	stored.Steps = models.CopySteps(req.Steps)
	s.requests[req.ID] = &stored
	s.appendHistoryLocked(entry)
	return nil
}

// GetRequest retrieves a request by id.
func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*models.RequestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	return copyRequest(req), nil
}

// ListRequests returns requests matching the filter, newest first.
func (s *MemoryStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*models.RequestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []*models.RequestInstance
	for _, req := range s.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && req.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.FlowKey != "" && req.FlowKey != filter.FlowKey {
			continue
		}
		reqs = append(reqs, copyRequest(req))
	}
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(reqs) {
			return nil, nil
		}
		reqs = reqs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(reqs) {
		reqs = reqs[:filter.Limit]
	}
	return reqs, nil
}

// ApplyTransition applies the conditional transition write. The guard and
// the ledger append happen under the same lock, so losers of a race see
// models.ErrConcurrentModification and write nothing.
func (s *MemoryStore) ApplyTransition(ctx context.Context, t *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[t.RequestID]
	if !ok {
		return models.ErrRequestNotFound
	}
	if req.Status != models.StatusPending || req.CurrentStepIndex != t.ExpectedStepIndex {
		return models.ErrConcurrentModification
	}

	req.Status = t.Status
	req.CurrentStepIndex = t.CurrentStepIndex
	if t.Steps != nil {
		req.Steps = models.CopySteps(t.Steps)
	}
	if t.SLADeadline != nil {
		req.SLADeadline = *t.SLADeadline
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		req.CompletedAt = &completed
	}
	req.UpdatedAt = time.Now()

	s.appendHistoryLocked(t.Entry)
	return nil
}

// ListPendingDueBefore returns pending requests already past the cutoff.
func (s *MemoryStore) ListPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*models.RequestInstance, error) {
	return s.listPendingByDeadline(func(deadline time.Time) bool {
		return deadline.Before(cutoff)
	})
}

// ListPendingDueBetween returns pending requests due within [from, to].
func (s *MemoryStore) ListPendingDueBetween(ctx context.Context, from, to time.Time) ([]*models.RequestInstance, error) {
	return s.listPendingByDeadline(func(deadline time.Time) bool {
		return !deadline.Before(from) && !deadline.After(to)
	})
}

func (s *MemoryStore) listPendingByDeadline(match func(time.Time) bool) ([]*models.RequestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []*models.RequestInstance
	for _, req := range s.requests {
		if req.Status == models.StatusPending && match(req.SLADeadline) {
			reqs = append(reqs, copyRequest(req))
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].SLADeadline.Equal(reqs[j].SLADeadline) {
			return reqs[i].SLADeadline.Before(reqs[j].SLADeadline)
		}
		return reqs[i].ID < reqs[j].ID
	})
	return reqs, nil
}

// AppendHistory appends a ledger entry outside a transition.
func (s *MemoryStore) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistoryLocked(entry)
	return nil
}

// ListHistory returns the ledger for a request in append order.
func (s *MemoryStore) ListHistory(ctx context.Context, requestID string) ([]*models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[requestID]
	out := make([]*models.HistoryEntry, len(entries))
	for i, entry := range entries {
		stored := *entry
		out[i] = &stored
	}
	return out, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			stored := *user
			return &stored, nil
		}
	}
	return nil, models.ErrUserNotFound
}

// GetUserByID retrieves a user by id.
func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	stored := *user
	return &stored, nil
}

// CreateUser stores a new user.
func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func (s *MemoryStore) appendHistoryLocked(entry *models.HistoryEntry) {
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.history[entry.RequestID] = append(s.history[entry.RequestID], &stored)
}

func copyDefinition(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	out := *def
	out.Steps = models.CopySteps(def.Steps)
	return &out
}

func copyRequest(req *models.RequestInstance) *models.RequestInstance {
	out := *req
	out.Steps = models.CopySteps(req.Steps)
	if req.CompletedAt != nil {
		completed := *req.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
