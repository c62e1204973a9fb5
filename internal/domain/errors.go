package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidIdempotencyKey  = errors.New("invalid idempotency key")
	ErrRateLimited            = errors.New("rate limited")
	ErrIdempotencyConflict    = errors.New("idempotency conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrBusinessRule           = errors.New("business rule violation")
	ErrTenantIsolation        = errors.New("tenant isolation violation")
	ErrSecurityViolation      = errors.New("security violation")
	ErrNotFound               = errors.New("not found")
	ErrConcurrency            = errors.New("concurrent modification")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInternal               = errors.New("internal error")
)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
