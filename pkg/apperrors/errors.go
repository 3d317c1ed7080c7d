package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrIdempotencyConflict    = errors.New("idempotency key conflict")
	ErrCatalogBindingConflict = errors.New("catalog binding conflict")
	ErrMissingCatalogBinding  = errors.New("catalog binding is required for service tasks")
	ErrInvalidAPIKey          = errors.New("invalid tenant API key")
)
