package models

import "context"

type contextKey string

const tenantKey contextKey = "tenant"

// RequestContext carries the authenticated tenant and the request id
// through the call graph. It replaces any process-wide tenant state:
// everything downstream reads the tenant from the context it was
// handed.
type RequestContext struct {
	Tenant    *Tenant
	APIKey    *TenantAPIKey
	RequestID string
}

// SetRequestContext stores the request's tenant identity in the context.
func SetRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, tenantKey, rc)
}

// GetRequestContext retrieves the tenant identity from the context.
func GetRequestContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(tenantKey).(*RequestContext)
	return rc, ok
}
