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

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	Status        models.WorkflowInstanceStatus
	ProcessKey    string
	CorrelationID string
}

// InstanceRepository stores workflow instances. State transitions load
// the row FOR UPDATE: the instance row is the lock granularity for
// engine runs.
type InstanceRepository interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error)
	UpdateState(ctx context.Context, instance *models.WorkflowInstance) error
	List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error)
}

type instanceRepository struct{}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository() InstanceRepository {
	return &instanceRepository{}
}

var _ InstanceRepository = (*instanceRepository)(nil)

func (r *instanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO workflow_instances (
			tenant_id, definition_version_id, status, correlation_id,
			business_key, serialized_state, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id, created_at, updated_at`,
		tenantID, instance.DefinitionVersionID, instance.Status,
		instance.CorrelationID, instance.BusinessKey,
		jsonbMap(instance.SerializedState), instance.ErrorMessage, time.Now(),
	).Scan(&instance.ID, &instance.CreatedAt, &instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	instance.TenantID = tenantID
	return nil
}

const instanceColumns = `
	i.id, i.tenant_id, i.definition_version_id, d.process_key, v.version,
	i.status, i.correlation_id, i.business_key, i.serialized_state,
	i.error_message, i.created_at, i.updated_at`

const instanceJoins = `
	FROM workflow_instances i
	JOIN workflow_definition_versions v ON v.id = i.definition_version_id
	JOIN workflow_definitions d ON d.id = v.definition_id`

func (r *instanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	return r.get(ctx, id, "")
}

func (r *instanceRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	return r.get(ctx, id, " FOR UPDATE OF i")
}

func (r *instanceRepository) get(ctx context.Context, id uuid.UUID, lock string) (*models.WorkflowInstance, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx,
		`SELECT `+instanceColumns+instanceJoins+`
		WHERE i.tenant_id = $1 AND i.id = $2`+lock, tenantID, id)
	return scanInstance(row)
}

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var state []byte
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.DefinitionVersionID,
		&inst.ProcessKey, &inst.Version, &inst.Status, &inst.CorrelationID,
		&inst.BusinessKey, &state, &inst.ErrorMessage, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}
	if err := unmarshalMap(state, &inst.SerializedState); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *instanceRepository) UpdateState(ctx context.Context, instance *models.WorkflowInstance) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	tag, err := q.Exec(ctx, `
		UPDATE workflow_instances
		SET status = $3, serialized_state = $4, error_message = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, instance.ID, instance.Status,
		jsonbMap(instance.SerializedState), instance.ErrorMessage, now)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	instance.UpdatedAt = now
	return nil
}

func (r *instanceRepository) List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + instanceColumns + instanceJoins + ` WHERE i.tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND i.status = $%d", len(args))
	}
	if filter.ProcessKey != "" {
		args = append(args, filter.ProcessKey)
		query += fmt.Sprintf(" AND d.process_key = $%d", len(args))
	}
	if filter.CorrelationID != "" {
		args = append(args, filter.CorrelationID)
		query += fmt.Sprintf(" AND i.correlation_id = $%d", len(args))
	}
	query += " ORDER BY i.created_at DESC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
