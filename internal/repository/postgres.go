package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"approvalflow/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of the Repository
// interface. Step snapshots, payloads and history metadata live in JSONB
// columns so workflow definitions can evolve without migrating rows of
// already-created requests.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const definitionColumns = "id, flow_key, name, version, is_latest, active, steps, created_by, created_at, updated_at"

// CreateDefinition inserts a new definition version. Within one transaction
// it bumps the version counter for the flow key and moves the is_latest
// flag, so FindActiveDefinition always sees exactly one latest version.
func (s *PostgresStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE flow_key = $1",
		def.FlowKey,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to compute next version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE workflow_definitions SET is_latest = false, updated_at = now() WHERE flow_key = $1 AND is_latest",
		def.FlowKey,
	); err != nil {
		return fmt.Errorf("failed to clear latest flag: %w", err)
	}

	def.Version = version
	def.IsLatest = true
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_definitions (id, flow_key, name, version, is_latest, active, steps, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		def.ID, def.FlowKey, def.Name, def.Version, def.IsLatest, def.Active, stepsJSON, def.CreatedBy, def.CreatedAt, def.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	return tx.Commit(ctx)
}

// GetDefinition retrieves a definition version by its id.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE id = $1", id)
	return scanDefinition(row)
}

// FindActiveDefinition returns the latest active definition for a flow key.
func (s *PostgresStore) FindActiveDefinition(ctx context.Context, flowKey string) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE flow_key = $1 AND active ORDER BY version DESC LIMIT 1",
		flowKey)
	return scanDefinition(row)
}

// ListDefinitions returns all definition versions, newest first.
func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions ORDER BY flow_key, version DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateDefinitionMeta updates the mutable metadata of a stored version.
func (s *PostgresStore) UpdateDefinitionMeta(ctx context.Context, id string, name string, active bool) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE workflow_definitions SET name = $2, active = $3, updated_at = now() WHERE id = $1",
		id, name, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrWorkflowNotFound
	}
	return nil
}

const requestColumns = "id, type, workflow_id, flow_key, steps, current_step_index, status, sla_deadline, payload, created_by, completed_at, created_at, updated_at"

// CreateRequest persists a new request and its SUBMIT ledger entry in one
// transaction.
func (s *PostgresStore) CreateRequest(ctx context.Context, req *models.RequestInstance, entry *models.HistoryEntry) error {
	stepsJSON, err := json.Marshal(req.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps snapshot: %w", err)
	}
	payloadJSON, err := marshalNullable(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO requests (id, type, workflow_id, flow_key, steps, current_step_index, status, sla_deadline, payload, created_by, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, req.Type, req.WorkflowID, req.FlowKey, stepsJSON, req.CurrentStepIndex, req.Status,
		req.SLADeadline, payloadJSON, req.CreatedBy, req.CompletedAt, req.CreatedAt, req.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetRequest retrieves a request by its id.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RequestInstance, error) {
	row := s.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = $1", id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}
	return req, err
}

// ListRequests returns requests matching the filter, newest first.
func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*models.RequestInstance, error) {
	query := "SELECT " + requestColumns + " FROM requests WHERE 1=1"
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		query += fmt.Sprintf(" AND created_by = $%d", len(args))
	}
	if filter.FlowKey != "" {
		args = append(args, filter.FlowKey)
		query += fmt.Sprintf(" AND flow_key = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ApplyTransition performs the conditional transition write. The UPDATE is
// guarded by the expected prior status and step index; if a concurrent
// transition already committed, zero rows are affected, nothing is written
// to the ledger, and the caller gets models.ErrConcurrentModification.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t *Transition) error {
	stepsJSON, err := marshalNullable(t.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps snapshot: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE requests
		 SET status = $2,
		     current_step_index = $3,
		     steps = COALESCE($4, steps),
		     sla_deadline = COALESCE($5, sla_deadline),
		     completed_at = COALESCE($6, completed_at),
		     updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND current_step_index = $7`,
		t.RequestID, t.Status, t.CurrentStepIndex, stepsJSON, t.SLADeadline, t.CompletedAt, t.ExpectedStepIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConcurrentModification
	}

	if err := insertHistory(ctx, tx, t.Entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListPendingDueBefore returns pending requests whose deadline is already
// behind the cutoff.
func (s *PostgresStore) ListPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*models.RequestInstance, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE status = 'pending' AND sla_deadline < $1 ORDER BY sla_deadline",
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListPendingDueBetween returns pending requests whose deadline falls in
// [from, to].
func (s *PostgresStore) ListPendingDueBetween(ctx context.Context, from, to time.Time) ([]*models.RequestInstance, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE status = 'pending' AND sla_deadline >= $1 AND sla_deadline <= $2 ORDER BY sla_deadline",
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// AppendHistory appends a single ledger entry outside a transition.
func (s *PostgresStore) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	return insertHistory(ctx, s.db, entry)
}

// ListHistory returns the ledger for a request in append order.
func (s *PostgresStore) ListHistory(ctx context.Context, requestID string) ([]*models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, request_id, actor_id, actor_email, actor_role, action, step_id, comment, metadata, created_at
		 FROM request_history WHERE request_id = $1 ORDER BY seq`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var metadataJSON []byte
		err := rows.Scan(&entry.ID, &entry.RequestID, &entry.ActorID, &entry.ActorEmail, &entry.ActorRole,
			&entry.Action, &entry.StepID, &entry.Comment, &metadataJSON, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := unmarshalNullable(metadataJSON, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRow(ctx,
		"SELECT id, email, name, role, created_at, updated_at FROM users WHERE email = $1", email)
	return scanUser(row)
}

// GetUserByID retrieves a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRow(ctx,
		"SELECT id, email, name, role, created_at, updated_at FROM users WHERE id = $1", id)
	return scanUser(row)
}

// CreateUser inserts a new user.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO users (id, email, name, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Email, user.Name, user.Role, user.CreatedAt, user.UpdatedAt)
	return err
}

// execer is the subset of pgxpool.Pool and pgx.Tx the history insert needs,
// so the same code runs inside and outside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertHistory(ctx context.Context, db execer, entry *models.HistoryEntry) error {
	metadataJSON, err := marshalNullable(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal history metadata: %w", err)
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO request_history (id, request_id, actor_id, actor_email, actor_role, action, step_id, comment, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.RequestID, entry.ActorID, entry.ActorEmail, entry.ActorRole,
		entry.Action, entry.StepID, entry.Comment, metadataJSON, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDefinition(row scannable) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var stepsJSON []byte
	err := row.Scan(&def.ID, &def.FlowKey, &def.Name, &def.Version, &def.IsLatest, &def.Active,
		&stepsJSON, &def.CreatedBy, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &def, nil
}

func scanRequest(row scannable) (*models.RequestInstance, error) {
	var req models.RequestInstance
	var stepsJSON, payloadJSON []byte
	err := row.Scan(&req.ID, &req.Type, &req.WorkflowID, &req.FlowKey, &stepsJSON, &req.CurrentStepIndex,
		&req.Status, &req.SLADeadline, &payloadJSON, &req.CreatedBy, &req.CompletedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &req.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps snapshot: %w", err)
	}
	if err := unmarshalNullable(payloadJSON, &req.Payload); err != nil {
		return nil, err
	}
	return &req, nil
}

func scanUser(row scannable) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func collectRequests(rows pgx.Rows) ([]*models.RequestInstance, error) {
	var reqs []*models.RequestInstance
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func marshalNullable(v any) ([]byte, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []models.Step:
		if x == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
