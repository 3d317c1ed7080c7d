package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/jsonutil"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// CompleteUserTaskRequest is the body of POST /tasks/{id}/complete.
type CompleteUserTaskRequest struct {
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// UserTaskService lists and completes materialized user tasks.
//
// Completing a user task records the action; it does not resume the
// engine. Forward progress requires a separate trigger.
type UserTaskService interface {
	List(ctx context.Context, filter repositories.UserTaskFilter) ([]*models.UserTask, error)
	// Complete finishes the task and returns the frozen response body
	// (canonical JSON of the serialized task). With an idempotency key,
	// a replay of the identical request returns the stored bytes and a
	// conflicting request fails with apperrors.ErrIdempotencyConflict.
	Complete(ctx context.Context, taskDBID uuid.UUID, req *CompleteUserTaskRequest, idempotencyKey string) ([]byte, error)
}

type userTaskService struct {
	userTasks   repositories.UserTaskRepository
	idempotency repositories.IdempotencyRepository
	audit       AuditService
	logger      *zap.Logger
}

// NewUserTaskService creates a new UserTaskService.
func NewUserTaskService(
	userTasks repositories.UserTaskRepository,
	idempotency repositories.IdempotencyRepository,
	audit AuditService,
	logger *zap.Logger,
) UserTaskService {
	return &userTaskService{
		userTasks:   userTasks,
		idempotency: idempotency,
		audit:       audit,
		logger:      logger.Named("usertask-service"),
	}
}

var _ UserTaskService = (*userTaskService)(nil)

func (s *userTaskService) List(ctx context.Context, filter repositories.UserTaskFilter) ([]*models.UserTask, error) {
	return s.userTasks.List(ctx, filter)
}

func (s *userTaskService) Complete(ctx context.Context, taskDBID uuid.UUID, req *CompleteUserTaskRequest, idempotencyKey string) ([]byte, error) {
	requestHash, err := completionRequestHash(req)
	if err != nil {
		return nil, err
	}

	var responseBody []byte
	err = database.RunInTx(ctx, func(ctx context.Context) error {
		task, err := s.userTasks.GetByIDForUpdate(ctx, taskDBID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			record, err := s.idempotency.GetForUpdate(ctx, idempotencyKey)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if record != nil {
				if record.TaskID != task.ID || record.RequestHash != requestHash {
					return apperrors.ErrIdempotencyConflict
				}
				responseBody = record.ResponseBody
				return nil
			}
		}

		if task.Status == models.UserTaskStatusCompleted {
			// Already done: serialize current form, no state change.
			responseBody, err = frozenResponse(task)
			if err != nil {
				return err
			}
			return s.storeRecord(ctx, idempotencyKey, task.ID, requestHash, responseBody)
		}

		now := time.Now()
		task.Status = models.UserTaskStatusCompleted
		task.ActorIdentity = req.Actor
		task.Action = req.Action
		task.ActionData = req.Payload
		task.CompletedAt = &now
		if task.ActionData == nil {
			task.ActionData = map[string]any{}
		}
		if err := s.userTasks.Complete(ctx, task); err != nil {
			return err
		}

		s.audit.Record(ctx, &models.AuditEvent{
			EventType:          models.AuditUserTaskComplete,
			ActorIdentity:      req.Actor,
			WorkflowInstanceID: &task.WorkflowInstanceID,
			Payload: map[string]any{
				"task_id": task.TaskID,
				"action":  req.Action,
			},
		})

		responseBody, err = frozenResponse(task)
		if err != nil {
			return err
		}
		return s.storeRecord(ctx, idempotencyKey, task.ID, requestHash, responseBody)
	})
	if err != nil {
		return nil, err
	}
	return responseBody, nil
}

func (s *userTaskService) storeRecord(ctx context.Context, key string, taskID uuid.UUID, requestHash string, body []byte) error {
	if key == "" {
		return nil
	}
	return s.idempotency.Insert(ctx, &models.IdempotencyRecord{
		IdempotencyKey: key,
		TaskID:         taskID,
		RequestHash:    requestHash,
		ResponseBody:   body,
	})
}

// completionRequestHash hashes the canonical form of
// {actor, action, data} so equivalent requests collide and differing
// requests under the same idempotency key are rejected.
func completionRequestHash(req *CompleteUserTaskRequest) (string, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := jsonutil.MarshalCanonical(map[string]any{
		"actor":  req.Actor,
		"action": req.Action,
		"data":   payload,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// frozenResponse renders v as canonical JSON for byte-identical replay.
func frozenResponse(v any) ([]byte, error) {
	normalized, err := jsonutil.HashableForm(v)
	if err != nil {
		return nil, err
	}
	return jsonutil.MarshalCanonical(normalized)
}
