package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
)

// UserTaskFilter narrows user-task listings. Actor matches the
// actor_identity recorded at completion.
type UserTaskFilter struct {
	Status     models.UserTaskStatus
	InstanceID uuid.UUID
	Actor      string
}

// UserTaskRepository stores materialized human waiting points.
type UserTaskRepository interface {
	Create(ctx context.Context, task *models.UserTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.UserTask, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.UserTask, error)
	List(ctx context.Context, filter UserTaskFilter) ([]*models.UserTask, error)
	// TaskIDsForInstance returns the engine task ids already
	// materialized for the instance, for idempotent materialization.
	TaskIDsForInstance(ctx context.Context, instanceID uuid.UUID) (map[string]bool, error)
	Complete(ctx context.Context, task *models.UserTask) error
}

type userTaskRepository struct{}

// NewUserTaskRepository creates a new UserTaskRepository.
func NewUserTaskRepository() UserTaskRepository {
	return &userTaskRepository{}
}

var _ UserTaskRepository = (*userTaskRepository)(nil)

func (r *userTaskRepository) Create(ctx context.Context, task *models.UserTask) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO user_tasks (
			tenant_id, workflow_instance_id, task_id, name, task_type,
			status, actor_identity, action, action_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, workflow_instance_id, task_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		tenantID, task.WorkflowInstanceID, task.TaskID, task.Name, task.TaskType,
		task.Status, task.ActorIdentity, task.Action, jsonbMap(task.ActionData), time.Now(),
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already materialized for this instance; idempotent no-op.
			return nil
		}
		return fmt.Errorf("failed to create user task: %w", err)
	}
	task.TenantID = tenantID
	return nil
}

const userTaskColumns = `
	t.id, t.tenant_id, t.workflow_instance_id, t.task_id, t.name, t.task_type,
	t.status, t.actor_identity, t.action, t.action_data, t.completed_at,
	t.created_at, t.updated_at, i.status, d.process_key, v.version`

const userTaskJoins = `
	FROM user_tasks t
	JOIN workflow_instances i ON i.id = t.workflow_instance_id
	JOIN workflow_definition_versions v ON v.id = i.definition_version_id
	JOIN workflow_definitions d ON d.id = v.definition_id`

func (r *userTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UserTask, error) {
	return r.get(ctx, id, "")
}

func (r *userTaskRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.UserTask, error) {
	return r.get(ctx, id, " FOR UPDATE OF t")
}

func (r *userTaskRepository) get(ctx context.Context, id uuid.UUID, lock string) (*models.UserTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx,
		`SELECT `+userTaskColumns+userTaskJoins+`
		WHERE t.tenant_id = $1 AND t.id = $2`+lock, tenantID, id)
	return scanUserTask(row)
}

func scanUserTask(row pgx.Row) (*models.UserTask, error) {
	var task models.UserTask
	var actionData []byte
	err := row.Scan(&task.ID, &task.TenantID, &task.WorkflowInstanceID,
		&task.TaskID, &task.Name, &task.TaskType, &task.Status,
		&task.ActorIdentity, &task.Action, &actionData, &task.CompletedAt,
		&task.CreatedAt, &task.UpdatedAt, &task.WorkflowInstanceStatus,
		&task.ProcessKey, &task.WorkflowVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user task: %w", err)
	}
	if err := unmarshalMap(actionData, &task.ActionData); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *userTaskRepository) List(ctx context.Context, filter UserTaskFilter) ([]*models.UserTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + userTaskColumns + userTaskJoins + ` WHERE t.tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND t.status = $%d", len(args))
	}
	if filter.InstanceID != uuid.Nil {
		args = append(args, filter.InstanceID)
		query += fmt.Sprintf(" AND t.workflow_instance_id = $%d", len(args))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		query += fmt.Sprintf(" AND t.actor_identity = $%d", len(args))
	}
	query += " ORDER BY t.created_at"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.UserTask
	for rows.Next() {
		task, err := scanUserTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (r *userTaskRepository) TaskIDsForInstance(ctx context.Context, instanceID uuid.UUID) (map[string]bool, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT task_id FROM user_tasks
		WHERE tenant_id = $1 AND workflow_instance_id = $2`, tenantID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user task ids: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan user task id: %w", err)
		}
		out[taskID] = true
	}
	return out, rows.Err()
}

func (r *userTaskRepository) Complete(ctx context.Context, task *models.UserTask) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	tag, err := q.Exec(ctx, `
		UPDATE user_tasks
		SET status = $3, actor_identity = $4, action = $5, action_data = $6,
		    completed_at = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, task.ID, task.Status, task.ActorIdentity, task.Action,
		jsonbMap(task.ActionData), task.CompletedAt, now)
	if err != nil {
		return fmt.Errorf("failed to complete user task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	task.UpdatedAt = now
	return nil
}
