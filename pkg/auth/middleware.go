package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
)

// KeyResolver looks up the tenant owning an API-key hash.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (*models.Tenant, *models.TenantAPIKey, error)
}

// Middleware authenticates requests by tenant API key and establishes
// the tenant-scoped database connection for the request lifetime.
type Middleware struct {
	resolver KeyResolver
	db       *database.DB
	logger   *zap.Logger
}

// NewMiddleware creates the tenant boundary filter.
func NewMiddleware(resolver KeyResolver, db *database.DB, logger *zap.Logger) *Middleware {
	return &Middleware{
		resolver: resolver,
		db:       db,
		logger:   logger.Named("auth"),
	}
}

// RequireTenant wraps a handler so it only runs for requests carrying a
// valid X-Tenant-Api-Key. The tenant identity and a tenant-scoped DB
// connection are stored in the request context and torn down when the
// handler returns; nothing tenant-specific survives the request.
func (m *Middleware) RequireTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get(APIKeyHeader)
		if strings.TrimSpace(rawKey) == "" {
			writeAuthError(w, http.StatusUnauthorized, "Missing tenant API key.")
			return
		}

		ctx := r.Context()
		tenant, apiKey, err := m.resolver.ResolveAPIKey(ctx, HashAPIKey(rawKey))
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				writeAuthError(w, http.StatusUnauthorized, "Invalid tenant API key.")
				return
			}
			m.logger.Error("API key lookup failed", zap.Error(err))
			writeAuthError(w, http.StatusInternalServerError, "Authentication unavailable.")
			return
		}

		scope, err := m.db.WithTenant(ctx, tenant.ID)
		if err != nil {
			m.logger.Error("Failed to acquire tenant connection",
				zap.String("tenant", tenant.Slug),
				zap.Error(err))
			writeAuthError(w, http.StatusInternalServerError, "Database unavailable.")
			return
		}
		defer scope.Close()

		ctx = database.SetTenantScope(ctx, scope)
		// The request logger seeds the context with a request id; fill
		// in the tenant identity on the same carrier so the access log
		// sees it.
		rc, ok := models.GetRequestContext(ctx)
		if !ok {
			rc = &models.RequestContext{RequestID: uuid.NewString()}
			ctx = models.SetRequestContext(ctx, rc)
		}
		rc.Tenant = tenant
		rc.APIKey = apiKey
		next(w, r.WithContext(ctx))
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
