package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/engine"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// InstanceDetail is an instance with its currently active tasks.
type InstanceDetail struct {
	Instance           *models.WorkflowInstance `json:"instance"`
	ActiveUserTasks    []*models.UserTask       `json:"active_user_tasks"`
	ActiveServiceTasks []*models.ServiceTask    `json:"active_service_tasks"`
}

// InstanceService orchestrates workflow instances: it runs the engine,
// persists the resulting state and materializes waiting tasks.
type InstanceService interface {
	StartInstance(ctx context.Context, processKey string, version int, correlationID, businessKey string) (*InstanceDetail, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*InstanceDetail, error)
	ListInstances(ctx context.Context, filter repositories.InstanceFilter) ([]*models.WorkflowInstance, error)
	// MaterializeWaitingTasks inserts rows for waiting tasks not yet
	// materialized for the instance. Idempotent per
	// (tenant, instance, task_id). Returns the newly created user
	// tasks so callers can fire notifications after commit.
	MaterializeWaitingTasks(ctx context.Context, instance *models.WorkflowInstance, version *models.WorkflowDefinitionVersion, result *engine.RunResult) ([]*models.UserTask, error)
	// NotifyUserTasks fires best-effort notifications for newly
	// materialized user tasks. Call after the transaction commits.
	NotifyUserTasks(ctx context.Context, tasks []*models.UserTask)
}

type instanceService struct {
	workflows     repositories.WorkflowRepository
	instances     repositories.InstanceRepository
	userTasks     repositories.UserTaskRepository
	serviceTasks  repositories.ServiceTaskRepository
	catalog       repositories.CatalogRepository
	audit         AuditService
	notifications NotificationService
	logger        *zap.Logger
}

// NewInstanceService creates a new InstanceService.
func NewInstanceService(
	workflows repositories.WorkflowRepository,
	instances repositories.InstanceRepository,
	userTasks repositories.UserTaskRepository,
	serviceTasks repositories.ServiceTaskRepository,
	catalog repositories.CatalogRepository,
	audit AuditService,
	notifications NotificationService,
	logger *zap.Logger,
) InstanceService {
	return &instanceService{
		workflows:     workflows,
		instances:     instances,
		userTasks:     userTasks,
		serviceTasks:  serviceTasks,
		catalog:       catalog,
		audit:         audit,
		notifications: notifications,
		logger:        logger.Named("instance-service"),
	}
}

var _ InstanceService = (*instanceService)(nil)

func (s *instanceService) StartInstance(ctx context.Context, processKey string, versionNumber int, correlationID, businessKey string) (*InstanceDetail, error) {
	version, err := s.workflows.GetVersion(ctx, processKey, versionNumber)
	if err != nil {
		return nil, err
	}

	result, err := engine.Start(version.BpmnXML, version.ProcessKey, nil, correlationID, businessKey)
	if err != nil {
		return nil, err
	}

	instance := &models.WorkflowInstance{
		DefinitionVersionID: version.ID,
		ProcessKey:          version.ProcessKey,
		Version:             version.Version,
		Status:              models.WorkflowInstanceStatus(result.Status),
		CorrelationID:       correlationID,
		BusinessKey:         businessKey,
		SerializedState:     result.SerializedState,
		ErrorMessage:        result.ErrorMessage,
	}

	var created []*models.UserTask
	err = database.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.instances.Create(ctx, instance); err != nil {
			return err
		}
		created, err = s.MaterializeWaitingTasks(ctx, instance, version, result)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &models.AuditEvent{
		EventType:           models.AuditInstanceStart,
		CorrelationID:       correlationID,
		BusinessKey:         businessKey,
		WorkflowInstanceID:  &instance.ID,
		DefinitionVersionID: &version.ID,
		Payload: map[string]any{
			"process_key": version.ProcessKey,
			"version":     version.Version,
			"status":      string(instance.Status),
		},
	})
	s.NotifyUserTasks(ctx, created)
	s.logger.Info("Instance started",
		zap.String("instance_id", instance.ID.String()),
		zap.String("process_key", version.ProcessKey),
		zap.String("status", string(instance.Status)))

	return s.GetInstance(ctx, instance.ID)
}

func (s *instanceService) GetInstance(ctx context.Context, id uuid.UUID) (*InstanceDetail, error) {
	instance, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, instance)
}

func (s *instanceService) detail(ctx context.Context, instance *models.WorkflowInstance) (*InstanceDetail, error) {
	userTasks, err := s.userTasks.List(ctx, repositories.UserTaskFilter{
		Status:     models.UserTaskStatusPending,
		InstanceID: instance.ID,
	})
	if err != nil {
		return nil, err
	}

	serviceTasks, err := s.serviceTasks.List(ctx, repositories.ServiceTaskFilter{
		InstanceID: instance.ID,
	})
	if err != nil {
		return nil, err
	}
	active := make([]*models.ServiceTask, 0, len(serviceTasks))
	for _, task := range serviceTasks {
		switch task.Status {
		case models.ServiceTaskStatusPending, models.ServiceTaskStatusInProgress, models.ServiceTaskStatusWaiting:
			active = append(active, task)
		}
	}

	if userTasks == nil {
		userTasks = []*models.UserTask{}
	}
	return &InstanceDetail{
		Instance:           instance,
		ActiveUserTasks:    userTasks,
		ActiveServiceTasks: active,
	}, nil
}

func (s *instanceService) ListInstances(ctx context.Context, filter repositories.InstanceFilter) ([]*models.WorkflowInstance, error) {
	return s.instances.List(ctx, filter)
}

func (s *instanceService) MaterializeWaitingTasks(ctx context.Context, instance *models.WorkflowInstance, version *models.WorkflowDefinitionVersion, result *engine.RunResult) ([]*models.UserTask, error) {
	var createdUserTasks []*models.UserTask

	if len(result.WaitingUserTasks) > 0 {
		existing, err := s.userTasks.TaskIDsForInstance(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		for _, snapshot := range result.WaitingUserTasks {
			if existing[snapshot.TaskID] {
				continue
			}
			task := &models.UserTask{
				WorkflowInstanceID: instance.ID,
				TaskID:             snapshot.TaskID,
				Name:               snapshot.Name,
				TaskType:           snapshot.TaskType,
				Status:             models.UserTaskStatusPending,
			}
			if err := s.userTasks.Create(ctx, task); err != nil {
				return nil, err
			}
			createdUserTasks = append(createdUserTasks, task)
		}
	}

	if len(result.WaitingServiceTasks) > 0 {
		existing, err := s.serviceTasks.TaskIDsForInstance(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		for _, snapshot := range result.WaitingServiceTasks {
			if existing[snapshot.TaskID] {
				continue
			}
			task := &models.ServiceTask{
				WorkflowInstanceID: instance.ID,
				TaskID:             snapshot.TaskID,
				Name:               snapshot.Name,
				TaskType:           snapshot.TaskType,
				ElementID:          snapshot.ElementID,
				ElementName:        snapshot.ElementName,
				Status:             models.ServiceTaskStatusPending,
				ExecutionMode:      models.ExecutionModeSync,
			}
			bound, err := autoBind(ctx, s.catalog, version, snapshot.ElementID, snapshot.ElementName)
			if err != nil {
				return nil, err
			}
			if bound != nil {
				task.CatalogServiceTaskID = &bound.ID
			}
			if err := s.serviceTasks.Create(ctx, task); err != nil {
				return nil, err
			}
		}
	}
	return createdUserTasks, nil
}

func (s *instanceService) NotifyUserTasks(ctx context.Context, tasks []*models.UserTask) {
	for _, task := range tasks {
		s.notifications.UserTaskCreated(ctx, task)
	}
}
