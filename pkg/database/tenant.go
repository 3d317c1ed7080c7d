package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope wraps a connection pinned to one tenant for the duration
// of a request. Every repository query additionally filters by
// tenant_id; the scope exists so that a request holds a single
// connection for its transactions and row locks.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID
}

// Close releases the connection back to the pool.
// This MUST be called to prevent connection leaks.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	s.Conn.Release()
}

// WithTenant acquires a connection scoped to the given tenant.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}
