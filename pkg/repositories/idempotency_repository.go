package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
)

// IdempotencyRepository is an append-only (tenant, key) -> frozen
// response mapping. User-task completions and service-task callbacks
// keep separate tables so their key spaces cannot collide.
type IdempotencyRepository interface {
	// GetForUpdate locks and returns the record for the key, or
	// apperrors.ErrNotFound. The lock holds until the enclosing
	// transaction settles, serializing concurrent replays.
	GetForUpdate(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	Insert(ctx context.Context, record *models.IdempotencyRecord) error
}

type idempotencyRepository struct {
	table      string
	taskColumn string
}

// NewUserTaskIdempotencyRepository creates the repository backing
// user-task completion replays.
func NewUserTaskIdempotencyRepository() IdempotencyRepository {
	return &idempotencyRepository{
		table:      "user_task_idempotency_records",
		taskColumn: "user_task_id",
	}
}

// NewServiceTaskIdempotencyRepository creates the repository backing
// service-task callback replays.
func NewServiceTaskIdempotencyRepository() IdempotencyRepository {
	return &idempotencyRepository{
		table:      "service_task_idempotency_records",
		taskColumn: "service_task_id",
	}
}

var _ IdempotencyRepository = (*idempotencyRepository)(nil)

func (r *idempotencyRepository) GetForUpdate(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var rec models.IdempotencyRecord
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, idempotency_key, `+r.taskColumn+`, request_hash, response_body, created_at
		FROM `+r.table+`
		WHERE tenant_id = $1 AND idempotency_key = $2
		FOR UPDATE`, tenantID, key,
	).Scan(&rec.ID, &rec.TenantID, &rec.IdempotencyKey, &rec.TaskID,
		&rec.RequestHash, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *idempotencyRepository) Insert(ctx context.Context, record *models.IdempotencyRecord) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO `+r.table+` (tenant_id, idempotency_key, `+r.taskColumn+`, request_hash, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING id, created_at`,
		tenantID, record.IdempotencyKey, record.TaskID, record.RequestHash,
		record.ResponseBody, time.Now(),
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race; the earlier record stands.
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	record.TenantID = tenantID
	return nil
}
