package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/models"
)

// NotificationService announces newly materialized user tasks.
// Notifications are best-effort side effects; delivery never gates
// workflow progress.
type NotificationService interface {
	UserTaskCreated(ctx context.Context, task *models.UserTask)
}

type notificationService struct {
	logger *zap.Logger
}

// NewNotificationService creates the log-backed notifier.
func NewNotificationService(logger *zap.Logger) NotificationService {
	return &notificationService{logger: logger.Named("notifications")}
}

var _ NotificationService = (*notificationService)(nil)

func (s *notificationService) UserTaskCreated(ctx context.Context, task *models.UserTask) {
	fields := []zap.Field{
		zap.String("task_id", task.TaskID),
		zap.String("name", task.Name),
		zap.String("workflow_instance_id", task.WorkflowInstanceID.String()),
	}
	if rc, ok := models.GetRequestContext(ctx); ok && rc.Tenant != nil {
		fields = append(fields, zap.String("tenant", rc.Tenant.Slug))
	}
	s.logger.Info("User task awaiting action", fields...)
}
