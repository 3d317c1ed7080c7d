package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/bpmn"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// ValidationFailure carries the sorted validation errors of a rejected
// upload.
type ValidationFailure struct {
	Errors []bpmn.ValidationError
}

func (e *ValidationFailure) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("BPMN validation failed: %s", e.Errors[0].Message)
	}
	return fmt.Sprintf("BPMN validation failed with %d errors", len(e.Errors))
}

// DefinitionDetail is a definition with all its version summaries.
type DefinitionDetail struct {
	Definition *models.WorkflowDefinition          `json:"definition"`
	Versions   []*models.WorkflowDefinitionVersion `json:"versions"`
}

// WorkflowService manages definition uploads and lookups.
type WorkflowService interface {
	// UploadDefinition validates the BPMN, assigns the next version for
	// its process key and stores the immutable snapshot. Returns a
	// *ValidationFailure error when the document is rejected.
	UploadDefinition(ctx context.Context, bpmnXML string) (*models.WorkflowDefinitionVersion, error)
	GetDefinition(ctx context.Context, processKey string) (*DefinitionDetail, error)
	GetVersion(ctx context.Context, processKey string, version int) (*models.WorkflowDefinitionVersion, error)
	ListDefinitions(ctx context.Context) ([]*repositories.DefinitionSummary, error)
}

type workflowService struct {
	workflows repositories.WorkflowRepository
	audit     AuditService
	logger    *zap.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(workflows repositories.WorkflowRepository, audit AuditService, logger *zap.Logger) WorkflowService {
	return &workflowService{
		workflows: workflows,
		audit:     audit,
		logger:    logger.Named("workflow-service"),
	}
}

var _ WorkflowService = (*workflowService)(nil)

func (s *workflowService) UploadDefinition(ctx context.Context, bpmnXML string) (*models.WorkflowDefinitionVersion, error) {
	snapshot, validationErrs := bpmn.Validate(bpmnXML)
	if len(validationErrs) > 0 {
		return nil, &ValidationFailure{Errors: validationErrs}
	}

	version := &models.WorkflowDefinitionVersion{
		ProcessKey:                 snapshot.ProcessKey,
		BpmnXML:                    bpmnXML,
		FormSchemaRefs:             snapshot.FormSchemaRefs,
		CatalogBindingPlaceholders: snapshot.CatalogBindingPlaceholders,
	}
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		def, err := s.workflows.GetOrCreateDefinitionForUpdate(ctx, snapshot.ProcessKey, snapshot.ProcessName)
		if err != nil {
			return err
		}
		version.DefinitionID = def.ID
		if _, err := s.workflows.CreateVersion(ctx, version); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &models.AuditEvent{
		EventType:           models.AuditDefinitionUpload,
		DefinitionVersionID: &version.ID,
		Payload: map[string]any{
			"process_key": version.ProcessKey,
			"version":     version.Version,
		},
	})
	s.logger.Info("Definition uploaded",
		zap.String("process_key", version.ProcessKey),
		zap.Int("version", version.Version))
	return version, nil
}

func (s *workflowService) GetDefinition(ctx context.Context, processKey string) (*DefinitionDetail, error) {
	def, err := s.workflows.GetDefinition(ctx, processKey)
	if err != nil {
		return nil, err
	}
	versions, err := s.workflows.ListVersions(ctx, processKey)
	if err != nil {
		return nil, err
	}

	// Version listings omit the stored XML; GET a single version for it.
	summaries := make([]*models.WorkflowDefinitionVersion, 0, len(versions))
	for _, v := range versions {
		summaries = append(summaries, v.Summary())
	}
	return &DefinitionDetail{Definition: def, Versions: summaries}, nil
}

func (s *workflowService) GetVersion(ctx context.Context, processKey string, version int) (*models.WorkflowDefinitionVersion, error) {
	return s.workflows.GetVersion(ctx, processKey, version)
}

func (s *workflowService) ListDefinitions(ctx context.Context) ([]*repositories.DefinitionSummary, error) {
	return s.workflows.ListDefinitions(ctx)
}
