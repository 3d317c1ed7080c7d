package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/config"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/engine"
	"github.com/procflow-io/procflow/pkg/jsonutil"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// StartServiceTaskRequest is the body of POST /service-tasks/{id}/start.
type StartServiceTaskRequest struct {
	CatalogEntryID string         `json:"catalog_entry_id"`
	ServiceTaskID  string         `json:"service_task_id"`
	ExecutionMode  string         `json:"execution_mode"`
	Payload        map[string]any `json:"payload"`
}

// StartResult is the outcome of a dispatch attempt. UpstreamFailed
// marks a transport error or non-2xx upstream response; the task and
// instance are already settled as failed.
type StartResult struct {
	Task           *models.ServiceTask
	UpstreamFailed bool
}

// ServiceTaskService dispatches service tasks to tenant services and
// settles callbacks.
//
// Dispatch holds no database lock across the wire: a first transaction
// marks the task in_progress, the HTTP call runs outside any
// transaction, and a second transaction settles the outcome.
type ServiceTaskService interface {
	List(ctx context.Context, filter repositories.ServiceTaskFilter) ([]*models.ServiceTask, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error)
	Start(ctx context.Context, taskDBID uuid.UUID, req *StartServiceTaskRequest) (*StartResult, error)
	// Callback settles an externally delivered completion. The caller
	// has already verified the HMAC signature; body and timestamp are
	// the verified raw inputs. Returns the frozen response body.
	Callback(ctx context.Context, taskDBID uuid.UUID, body []byte, timestamp, idempotencyKey string) ([]byte, error)
}

type serviceTaskService struct {
	serviceTasks repositories.ServiceTaskRepository
	instances    repositories.InstanceRepository
	workflows    repositories.WorkflowRepository
	catalog      repositories.CatalogRepository
	idempotency  repositories.IdempotencyRepository
	orchestrator InstanceService
	audit        AuditService
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker[*upstreamResponse]
	baseURL      string
	logger       *zap.Logger
}

type upstreamResponse struct {
	statusCode int
	body       []byte
}

// NewServiceTaskService creates a new ServiceTaskService.
func NewServiceTaskService(
	serviceTasks repositories.ServiceTaskRepository,
	instances repositories.InstanceRepository,
	workflows repositories.WorkflowRepository,
	catalog repositories.CatalogRepository,
	idempotency repositories.IdempotencyRepository,
	orchestrator InstanceService,
	audit AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) ServiceTaskService {
	maxFailures := uint32(cfg.Dispatch.BreakerMaxFailures)
	breaker := gobreaker.NewCircuitBreaker[*upstreamResponse](gobreaker.Settings{
		Name:    "service-task-dispatch",
		Timeout: cfg.Dispatch.BreakerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &serviceTaskService{
		serviceTasks: serviceTasks,
		instances:    instances,
		workflows:    workflows,
		catalog:      catalog,
		idempotency:  idempotency,
		orchestrator: orchestrator,
		audit:        audit,
		client:       &http.Client{Timeout: cfg.Dispatch.Timeout()},
		breaker:      breaker,
		baseURL:      cfg.BaseURL,
		logger:       logger.Named("servicetask-service"),
	}
}

var _ ServiceTaskService = (*serviceTaskService)(nil)

func (s *serviceTaskService) List(ctx context.Context, filter repositories.ServiceTaskFilter) ([]*models.ServiceTask, error) {
	return s.serviceTasks.List(ctx, filter)
}

func (s *serviceTaskService) Get(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error) {
	return s.serviceTasks.GetByID(ctx, id)
}

func (s *serviceTaskService) Start(ctx context.Context, taskDBID uuid.UUID, req *StartServiceTaskRequest) (*StartResult, error) {
	mode := models.ServiceTaskExecutionMode(req.ExecutionMode)
	if mode == "" {
		mode = models.ExecutionModeSync
	}
	if mode != models.ExecutionModeSync && mode != models.ExecutionModeAsync {
		return nil, fmt.Errorf("invalid execution mode %q", req.ExecutionMode)
	}

	var task *models.ServiceTask
	var catalogTask *models.CatalogServiceTask
	var instance *models.WorkflowInstance
	startable := false

	// First transaction: lock, resolve the binding, mark in_progress.
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.serviceTasks.GetByIDForUpdate(ctx, taskDBID)
		if err != nil {
			return err
		}
		if task.Status != models.ServiceTaskStatusPending && task.Status != models.ServiceTaskStatusFailed {
			// Already dispatched (or done); report current state.
			return nil
		}

		instance, err = s.instances.GetByID(ctx, task.WorkflowInstanceID)
		if err != nil {
			return err
		}
		catalogTask, err = s.resolveBinding(ctx, task, instance, req)
		if err != nil {
			return err
		}

		now := time.Now()
		task.CatalogServiceTaskID = &catalogTask.ID
		task.CatalogEntryExternalID = catalogTask.CatalogEntryExternalID
		task.CatalogTaskExternalID = catalogTask.ExternalID
		task.RequestPayload = req.Payload
		if task.RequestPayload == nil {
			task.RequestPayload = map[string]any{}
		}
		task.ExecutionMode = mode
		task.Status = models.ServiceTaskStatusInProgress
		task.StartedAt = &now
		task.CompletedAt = nil
		task.LastError = ""
		startable = true
		return s.serviceTasks.Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	if !startable {
		return &StartResult{Task: task}, nil
	}

	s.audit.Record(ctx, &models.AuditEvent{
		EventType:          models.AuditServiceTaskStart,
		CorrelationID:      instance.CorrelationID,
		BusinessKey:        instance.BusinessKey,
		WorkflowInstanceID: &instance.ID,
		Payload: map[string]any{
			"task_id":        task.TaskID,
			"execution_mode": string(mode),
			"catalog_task":   catalogTask.ExternalID,
		},
	})

	// Network I/O with no transaction in flight.
	response, callErr := s.dispatch(ctx, task, instance, catalogTask)

	// Second transaction: settle the outcome.
	var result *StartResult
	var created []*models.UserTask
	err = database.RunInTx(ctx, func(ctx context.Context) error {
		task, err := s.serviceTasks.GetByIDForUpdate(ctx, taskDBID)
		if err != nil {
			return err
		}

		if callErr != nil || response.statusCode < 200 || response.statusCode >= 300 {
			result = &StartResult{UpstreamFailed: true}
			result.Task, created, err = s.settleFailure(ctx, task, response, callErr)
			return err
		}

		if task.ExecutionMode == models.ExecutionModeAsync {
			task.Status = models.ServiceTaskStatusWaiting
			task.ResponsePayload = normalizeResult(decodeBody(response.body))
			if err := s.serviceTasks.Update(ctx, task); err != nil {
				return err
			}
			result = &StartResult{Task: task}
			return nil
		}

		settled, newTasks, err := s.settleCompletion(ctx, task, decodeBody(response.body))
		if err != nil {
			return err
		}
		created = newTasks
		result = &StartResult{Task: settled}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.orchestrator.NotifyUserTasks(ctx, created)
	return result, nil
}

// resolveBinding applies the binding rules: an existing binding must
// match any supplied ids; otherwise supplied ids bind directly; failing
// that the definition's placeholders are consulted.
func (s *serviceTaskService) resolveBinding(ctx context.Context, task *models.ServiceTask, instance *models.WorkflowInstance, req *StartServiceTaskRequest) (*models.CatalogServiceTask, error) {
	if task.CatalogServiceTaskID != nil {
		bound, err := s.catalog.GetTaskByID(ctx, *task.CatalogServiceTaskID)
		if err != nil {
			return nil, err
		}
		if req.CatalogEntryID != "" && req.CatalogEntryID != bound.CatalogEntryExternalID {
			return nil, apperrors.ErrCatalogBindingConflict
		}
		if req.ServiceTaskID != "" && req.ServiceTaskID != bound.ExternalID {
			return nil, apperrors.ErrCatalogBindingConflict
		}
		return bound, nil
	}

	if req.CatalogEntryID != "" && req.ServiceTaskID != "" {
		bound, err := s.catalog.GetTaskByExternalIDs(ctx, req.CatalogEntryID, req.ServiceTaskID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.ErrMissingCatalogBinding
			}
			return nil, err
		}
		return bound, nil
	}

	version, err := s.workflows.GetVersionByID(ctx, instance.DefinitionVersionID)
	if err != nil {
		return nil, err
	}
	bound, err := autoBind(ctx, s.catalog, version, task.ElementID, task.ElementName)
	if err != nil {
		return nil, err
	}
	if bound == nil {
		return nil, apperrors.ErrMissingCatalogBinding
	}
	return bound, nil
}

// dispatch POSTs the request envelope to the bound catalog task URL.
func (s *serviceTaskService) dispatch(ctx context.Context, task *models.ServiceTask, instance *models.WorkflowInstance, catalogTask *models.CatalogServiceTask) (*upstreamResponse, error) {
	envelope := map[string]any{
		"payload": task.RequestPayload,
		"context": s.envelopeContext(task, instance),
	}
	normalized, err := jsonutil.HashableForm(envelope)
	if err != nil {
		return nil, err
	}
	body, err := jsonutil.MarshalCanonical(normalized)
	if err != nil {
		return nil, err
	}

	return s.breaker.Execute(func() (*upstreamResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, catalogTask.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		if instance.CorrelationID != "" {
			httpReq.Header.Set("X-Correlation-Id", instance.CorrelationID)
		}

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		out := &upstreamResponse{statusCode: resp.StatusCode, body: respBody}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Trip the breaker on upstream errors as well; the caller
			// still settles from the response.
			return out, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return out, nil
	})
}

func (s *serviceTaskService) envelopeContext(task *models.ServiceTask, instance *models.WorkflowInstance) map[string]any {
	envCtx := map[string]any{
		"workflow_instance_id": instance.ID.String(),
		"service_task_id":      task.ID.String(),
		"task_id":              task.TaskID,
		"correlation_id":       instance.CorrelationID,
		"execution_mode":       string(task.ExecutionMode),
	}
	if task.ExecutionMode == models.ExecutionModeAsync {
		envCtx["callback_url"] = fmt.Sprintf("%s/service-tasks/%s/callback", s.baseURL, task.ID)
	}
	return envCtx
}

// settleFailure marks the task and its instance failed after an
// upstream error.
func (s *serviceTaskService) settleFailure(ctx context.Context, task *models.ServiceTask, response *upstreamResponse, callErr error) (*models.ServiceTask, []*models.UserTask, error) {
	now := time.Now()
	task.Status = models.ServiceTaskStatusFailed
	task.CompletedAt = &now
	if callErr != nil && response == nil {
		task.LastError = callErr.Error()
		task.ResponsePayload = map[string]any{}
	} else {
		task.LastError = "service_task_http_error"
		task.ResponsePayload = normalizeResult(decodeBody(response.body))
	}
	if err := s.serviceTasks.Update(ctx, task); err != nil {
		return nil, nil, err
	}

	instance, err := s.instances.GetByIDForUpdate(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, nil, err
	}
	instance.Status = models.InstanceStatusFailed
	instance.ErrorMessage = task.LastError
	if err := s.instances.UpdateState(ctx, instance); err != nil {
		return nil, nil, err
	}
	s.logger.Warn("Service task dispatch failed",
		zap.String("task_id", task.TaskID),
		zap.String("instance_id", instance.ID.String()),
		zap.String("error", task.LastError))
	return task, nil, nil
}

// settleCompletion resumes the engine with the upstream result and
// marks the task completed.
func (s *serviceTaskService) settleCompletion(ctx context.Context, task *models.ServiceTask, resultValue any) (*models.ServiceTask, []*models.UserTask, error) {
	instance, err := s.instances.GetByIDForUpdate(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, nil, err
	}
	version, err := s.workflows.GetVersionByID(ctx, instance.DefinitionVersionID)
	if err != nil {
		return nil, nil, err
	}

	result, err := engine.Resume(version.BpmnXML, version.ProcessKey,
		instance.SerializedState, task.TaskID, normalizeResult(resultValue),
		instance.CorrelationID, instance.BusinessKey)
	if err != nil {
		return nil, nil, err
	}

	applyRunResult(instance, result)
	if err := s.instances.UpdateState(ctx, instance); err != nil {
		return nil, nil, err
	}
	created, err := s.orchestrator.MaterializeWaitingTasks(ctx, instance, version, result)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	task.Status = models.ServiceTaskStatusCompleted
	task.ResponsePayload = normalizeResult(resultValue)
	task.CompletedAt = &now
	task.LastError = ""
	if err := s.serviceTasks.Update(ctx, task); err != nil {
		return nil, nil, err
	}
	task.WorkflowInstanceStatus = instance.Status
	return task, created, nil
}

func (s *serviceTaskService) Callback(ctx context.Context, taskDBID uuid.UUID, body []byte, timestamp, idempotencyKey string) ([]byte, error) {
	requestHash := auth.CallbackRequestHash(body, timestamp)

	var responseBody []byte
	var created []*models.UserTask
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		task, err := s.serviceTasks.GetByIDForUpdate(ctx, taskDBID)
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

		if task.Status == models.ServiceTaskStatusCompleted {
			responseBody, err = frozenResponse(task)
			if err != nil {
				return err
			}
			return s.storeRecord(ctx, idempotencyKey, task.ID, requestHash, responseBody)
		}

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{}
		}
		callbackStatus := strings.ToLower(stringValue(payload["status"]))
		resultValue := payload["data"]
		if resultValue == nil {
			resultValue = payload["result"]
		}
		if resultValue == nil {
			resultValue = payload
		}

		if callbackStatus == "failed" {
			now := time.Now()
			task.Status = models.ServiceTaskStatusFailed
			task.LastError = stringValue(payload["error"])
			task.ResponsePayload = normalizeResult(resultValue)
			task.CompletedAt = &now
			if err := s.serviceTasks.Update(ctx, task); err != nil {
				return err
			}
			instance, err := s.instances.GetByIDForUpdate(ctx, task.WorkflowInstanceID)
			if err != nil {
				return err
			}
			instance.Status = models.InstanceStatusFailed
			instance.ErrorMessage = task.LastError
			if err := s.instances.UpdateState(ctx, instance); err != nil {
				return err
			}
			task.WorkflowInstanceStatus = instance.Status
		} else {
			task, created, err = s.settleCompletion(ctx, task, resultValue)
			if err != nil {
				return err
			}
		}

		s.audit.Record(ctx, &models.AuditEvent{
			EventType:          models.AuditServiceTaskCallback,
			WorkflowInstanceID: &task.WorkflowInstanceID,
			Payload: map[string]any{
				"task_id":         task.TaskID,
				"status":          string(task.Status),
				"callback_status": callbackStatus,
				"error":           task.LastError,
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
	s.orchestrator.NotifyUserTasks(ctx, created)
	return responseBody, nil
}

func (s *serviceTaskService) storeRecord(ctx context.Context, key string, taskID uuid.UUID, requestHash string, body []byte) error {
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

// applyRunResult copies an engine run outcome onto the instance row.
func applyRunResult(instance *models.WorkflowInstance, result *engine.RunResult) {
	instance.Status = models.WorkflowInstanceStatus(result.Status)
	instance.SerializedState = result.SerializedState
	instance.ErrorMessage = result.ErrorMessage
}

// normalizeResult coerces a task result to a map, wrapping non-map
// values as {"result": value}.
func normalizeResult(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

// decodeBody parses an upstream response body, falling back to the raw
// text when it is not JSON.
func decodeBody(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return string(trimmed)
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
