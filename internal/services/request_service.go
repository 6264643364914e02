package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"approvalflow/internal/repository"
	"approvalflow/pkg/models"
)

// MinRejectCommentLen is the minimum comment length required to reject.
const MinRejectCommentLen = 10

// RequestService is the lifecycle manager for request instances. Every
// transition follows the fixed order authorize, compute next state, persist
// state and ledger entry as one atomic unit, then notify. The persistence
// step is guarded by the expected prior step index, so two actors racing on
// the same step cannot both succeed.
type RequestService struct {
	repo        repository.Repository
	authorizer  *Authorizer
	notifier    Notifier
	logger      *logrus.Logger
	now         func() time.Time
	transitions metric.Int64Counter
}

// NewRequestService creates a new RequestService.
func NewRequestService(repo repository.Repository, authorizer *Authorizer, notifier Notifier, logger *logrus.Logger) *RequestService {
	transitions, err := otel.Meter("approvalflow").Int64Counter(
		"approvalflow.request.transitions",
		metric.WithDescription("Committed request transitions by action"),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create transition counter")
	}
	return &RequestService{
		repo:        repo,
		authorizer:  authorizer,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		transitions: transitions,
	}
}

// SubmitInput is the request-creation payload. Exactly one of WorkflowID
// and FlowKey selects the definition; FlowKey resolves to the latest active
// version.
type SubmitInput struct {
	Type       string
	WorkflowID string
	FlowKey    string
	Payload    map[string]any
}

// Submit creates a request from a definition snapshot. The step list is
// deep-copied onto the request so later edits to the definition never
// affect it. The initial deadline is a flat offset from the first step's
// SLA hours, and the SUBMIT ledger entry is written in the same atomic
// unit as the request row.
func (s *RequestService) Submit(ctx context.Context, input SubmitInput, actor *models.User) (*models.RequestInstance, error) {
	var def *models.WorkflowDefinition
	var err error
	if input.WorkflowID != "" {
		def, err = s.repo.GetDefinition(ctx, input.WorkflowID)
	} else {
		def, err = s.repo.FindActiveDefinition(ctx, input.FlowKey)
	}
	if err != nil {
		return nil, err
	}
	if len(def.Steps) == 0 {
		return nil, models.ErrNoStepsConfigured
	}

	now := s.now()
	req := &models.RequestInstance{
		ID:               uuid.New().String(),
		Type:             input.Type,
		WorkflowID:       def.ID,
		FlowKey:          def.FlowKey,
		Steps:            def.SnapshotSteps(),
		CurrentStepIndex: 0,
		Status:           models.StatusPending,
		SLADeadline:      now.Add(slaOffset(def.Steps[0].SLAHours)),
		Payload:          input.Payload,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	entry := s.newEntry(req.ID, actor, models.ActionSubmit, "", "", nil)
	if err := s.repo.CreateRequest(ctx, req, entry); err != nil {
		return nil, err
	}

	s.afterCommit(ctx, &models.TransitionEvent{
		RequestID:   req.ID,
		FlowKey:     req.FlowKey,
		Action:      models.ActionSubmit,
		ToStatus:    models.StatusPending,
		ToStepIndex: 0,
		ActorID:     actor.ID,
		OccurredAt:  now,
	})
	return req, nil
}

// Approve advances the request one step, or completes it when the current
// step is the last. The deadline is recomputed from the new current step's
// SLA hours exactly when the index advances.
func (s *RequestService) Approve(ctx context.Context, requestID string, actor *models.User) (*models.RequestInstance, error) {
	req, step, err := s.loadPending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.CanAct(req, actor, models.ActionApprove); err != nil {
		return nil, err
	}

	now := s.now()
	t := &repository.Transition{
		RequestID:         req.ID,
		ExpectedStepIndex: req.CurrentStepIndex,
		Entry:             s.newEntry(req.ID, actor, models.ActionApprove, step.StepID, "", nil),
	}
	if req.CurrentStepIndex == len(req.Steps)-1 {
		t.Status = models.StatusApproved
		t.CurrentStepIndex = req.CurrentStepIndex
		t.CompletedAt = &now
	} else {
		next := req.CurrentStepIndex + 1
		deadline := now.Add(slaOffset(req.Steps[next].SLAHours))
		t.Status = models.StatusPending
		t.CurrentStepIndex = next
		t.SLADeadline = &deadline
	}

	return s.commit(ctx, req, t, actor, models.ActionApprove)
}

// Reject terminates the request. A comment of at least MinRejectCommentLen
// characters is mandatory.
func (s *RequestService) Reject(ctx context.Context, requestID string, actor *models.User, comment string) (*models.RequestInstance, error) {
	req, step, err := s.loadPending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.CanAct(req, actor, models.ActionReject); err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(comment)) < MinRejectCommentLen {
		return nil, models.ErrMissingComment
	}

	now := s.now()
	t := &repository.Transition{
		RequestID:         req.ID,
		ExpectedStepIndex: req.CurrentStepIndex,
		Status:            models.StatusRejected,
		CurrentStepIndex:  req.CurrentStepIndex,
		CompletedAt:       &now,
		Entry:             s.newEntry(req.ID, actor, models.ActionReject, step.StepID, comment, nil),
	}
	return s.commit(ctx, req, t, actor, models.ActionReject)
}

// Cancel terminates the request on behalf of its creator or an admin.
// Cancellation of a request that already reached a terminal status is
// rejected outright, never queued.
func (s *RequestService) Cancel(ctx context.Context, requestID string, actor *models.User) (*models.RequestInstance, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, models.ErrCancelNotAllowed
	}
	if req.CreatedBy != actor.ID && !actor.IsAdmin() {
		return nil, models.ErrCancelNotAllowed
	}
	step, err := req.CurrentStep()
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &repository.Transition{
		RequestID:         req.ID,
		ExpectedStepIndex: req.CurrentStepIndex,
		Status:            models.StatusCancelled,
		CurrentStepIndex:  req.CurrentStepIndex,
		CompletedAt:       &now,
		Entry:             s.newEntry(req.ID, actor, models.ActionCancel, step.StepID, "", nil),
	}
	return s.commit(ctx, req, t, actor, models.ActionCancel)
}

// Escalate reassigns the expected approver role for the current step
// without advancing the index or touching the deadline. The target is the
// explicit argument if given, the step's configured escalation role
// otherwise.
func (s *RequestService) Escalate(ctx context.Context, requestID string, actor *models.User, escalateTo *models.Role) (*models.RequestInstance, error) {
	req, step, err := s.loadPending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.CanAct(req, actor, models.ActionEscalate); err != nil {
		return nil, err
	}

	target := escalateTo
	if target == nil {
		target = step.EscalationRole
	}
	if target == nil || !target.Valid() {
		return nil, models.ErrInvalidAction
	}

	steps := models.CopySteps(req.Steps)
	role := *target
	steps[req.CurrentStepIndex].EscalatedTo = &role
	steps[req.CurrentStepIndex].DelegatedTo = nil

	t := &repository.Transition{
		RequestID:         req.ID,
		ExpectedStepIndex: req.CurrentStepIndex,
		Status:            models.StatusPending,
		CurrentStepIndex:  req.CurrentStepIndex,
		Steps:             steps,
		Entry: s.newEntry(req.ID, actor, models.ActionEscalate, step.StepID, "",
			map[string]any{"escalated_to": role}),
	}
	return s.commit(ctx, req, t, actor, models.ActionEscalate)
}

// Delegate hands the current step to one specific user without advancing
// the index. The delegate must exist.
func (s *RequestService) Delegate(ctx context.Context, requestID string, actor *models.User, delegateTo string) (*models.RequestInstance, error) {
	req, step, err := s.loadPending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.CanAct(req, actor, models.ActionDelegate); err != nil {
		return nil, err
	}
	if delegateTo == "" {
		return nil, models.ErrInvalidAction
	}
	delegate, err := s.repo.GetUserByID(ctx, delegateTo)
	if err != nil {
		return nil, err
	}

	steps := models.CopySteps(req.Steps)
	steps[req.CurrentStepIndex].DelegatedTo = &delegate.ID

	t := &repository.Transition{
		RequestID:         req.ID,
		ExpectedStepIndex: req.CurrentStepIndex,
		Status:            models.StatusPending,
		CurrentStepIndex:  req.CurrentStepIndex,
		Steps:             steps,
		Entry: s.newEntry(req.ID, actor, models.ActionDelegate, step.StepID, "",
			map[string]any{"delegated_to": delegate.ID}),
	}
	return s.commit(ctx, req, t, actor, models.ActionDelegate)
}

// Get returns a request if the actor may view it.
func (s *RequestService) Get(ctx context.Context, requestID string, actor *models.User) (*models.RequestInstance, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.authorizer.CanView(req, actor) {
		return nil, models.ErrInsufficientRole
	}
	return req, nil
}

// History returns the audit ledger for a request in append order, gated by
// the same visibility rule as Get.
func (s *RequestService) History(ctx context.Context, requestID string, actor *models.User) ([]*models.HistoryEntry, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.authorizer.CanView(req, actor) {
		return nil, models.ErrInsufficientRole
	}
	return s.repo.ListHistory(ctx, requestID)
}

// List returns requests visible to the actor, applying the same rule as
// Get. Employees are narrowed to their own requests at the query; admins
// see everything the filter matches; everyone else is filtered per row.
func (s *RequestService) List(ctx context.Context, actor *models.User, filter repository.RequestFilter) ([]*models.RequestInstance, error) {
	if actor.Role == models.RoleEmployee {
		filter.CreatedBy = actor.ID
	}
	reqs, err := s.repo.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return reqs, nil
	}
	visible := make([]*models.RequestInstance, 0, len(reqs))
	for _, req := range reqs {
		if s.authorizer.CanView(req, actor) {
			visible = append(visible, req)
		}
	}
	return visible, nil
}

// loadPending fetches a request and its current step, rejecting terminal
// requests before any authorization or computation happens.
func (s *RequestService) loadPending(ctx context.Context, requestID string) (*models.RequestInstance, *models.Step, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	step, err := req.CurrentStep()
	if err != nil {
		return nil, nil, err
	}
	return req, step, nil
}

// commit applies the transition, then runs the post-commit side effects.
// The returned request reflects the transition just applied.
func (s *RequestService) commit(ctx context.Context, req *models.RequestInstance, t *repository.Transition, actor *models.User, action models.Action) (*models.RequestInstance, error) {
	fromStatus := req.Status
	fromIndex := req.CurrentStepIndex

	if err := s.repo.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.Status = t.Status
	req.CurrentStepIndex = t.CurrentStepIndex
	if t.Steps != nil {
		req.Steps = t.Steps
	}
	if t.SLADeadline != nil {
		req.SLADeadline = *t.SLADeadline
	}
	if t.CompletedAt != nil {
		req.CompletedAt = t.CompletedAt
	}
	req.UpdatedAt = t.Entry.CreatedAt

	s.afterCommit(ctx, &models.TransitionEvent{
		RequestID:     req.ID,
		FlowKey:       req.FlowKey,
		Action:        action,
		FromStatus:    fromStatus,
		FromStepIndex: fromIndex,
		ToStatus:      t.Status,
		ToStepIndex:   t.CurrentStepIndex,
		ActorID:       actor.ID,
		OccurredAt:    t.Entry.CreatedAt,
	})
	return req, nil
}

// afterCommit runs best-effort side effects. A notifier failure is logged
// and never affects the already-committed transition.
func (s *RequestService) afterCommit(ctx context.Context, event *models.TransitionEvent) {
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(event.Action)),
			attribute.String("to_status", string(event.ToStatus)),
		))
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.OnTransition(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": event.RequestID,
			"action":     event.Action,
		}).Warn("transition notification failed")
	}
}

func (s *RequestService) newEntry(requestID string, actor *models.User, action models.Action, stepID, comment string, metadata map[string]any) *models.HistoryEntry {
	return &models.HistoryEntry{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		ActorRole:  actor.Role,
		Action:     action,
		StepID:     stepID,
		Comment:    comment,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}
}

func slaOffset(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
