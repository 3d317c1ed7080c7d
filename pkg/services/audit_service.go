// Package services contains the domain logic: definition uploads,
// instance orchestration, user-task completion and service-task
// dispatch. Services compose repositories and run their multi-statement
// work inside database.RunInTx.
package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// AuditService appends domain events to the tenant audit trail. The
// actor identity is taken from the request context unless the event
// already carries one.
type AuditService interface {
	Record(ctx context.Context, event *models.AuditEvent)
	List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEvent, error)
}

type auditService struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditService creates a new AuditService.
func NewAuditService(repo repositories.AuditRepository, logger *zap.Logger) AuditService {
	return &auditService{
		repo:   repo,
		logger: logger.Named("audit-service"),
	}
}

var _ AuditService = (*auditService)(nil)

// Record writes the event. Failures are logged, not returned: audit
// logging never breaks the operation it describes.
func (s *auditService) Record(ctx context.Context, event *models.AuditEvent) {
	if event.ActorIdentity == "" {
		if rc, ok := models.GetRequestContext(ctx); ok && rc.APIKey != nil {
			event.ActorIdentity = "api-key:" + rc.APIKey.Name
		}
	}
	if err := s.repo.Insert(ctx, event); err != nil {
		s.logger.Error("Failed to write audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (s *auditService) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEvent, error) {
	return s.repo.List(ctx, filter)
}
