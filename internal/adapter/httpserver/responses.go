// Package httpserver contains the HTTP handlers, middleware and auth for the
// listing intake API.
//
// Handlers translate requests into use-case calls and map domain errors onto
// a stable JSON error envelope. Messages in that envelope never contain raw
// client input; rejected idempotency keys and file references in particular
// are described, not echoed.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	obsctx "github.com/fairyhunter13/listing-intake/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// dataEnvelope wraps successful responses; meta is present only where the
// endpoint defines one (submit/retry replay flag, list pagination).
type dataEnvelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

type submitMeta struct {
	IsReplay bool `json:"is_replay"`
}

type listMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   message,
		RequestID: requestIDFrom(r),
		Timestamp: time.Now().UTC(),
	}})
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return obsctx.RequestIDFromContext(r.Context())
}

// publicMessage returns the user-facing text of err with internal op=
// breadcrumbs stripped.
func publicMessage(err error) string {
	msg := err.Error()
	for strings.HasPrefix(msg, "op=") {
		i := strings.Index(msg, ": ")
		if i < 0 {
			break
		}
		msg = msg[i+2:]
	}
	return msg
}

// securityAuditKind classifies an ErrSecurityViolation for the audit trail.
// Order matters: masquerade messages also mention the extension.
func securityAuditKind(err error) obsctx.AuditKind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not match"):
		return obsctx.AuditContentMasquerade
	case strings.Contains(msg, "traversal"):
		return obsctx.AuditPathTraversal
	case strings.Contains(msg, "extension"):
		return obsctx.AuditBlockedExtension
	case strings.Contains(msg, "formula"):
		return obsctx.AuditFormulaInjection
	default:
		return obsctx.AuditSecurityViolation
	}
}

// writeError maps a domain error onto status, code and a safe message, and
// records security-relevant rejections on the audit trail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  = http.StatusInternalServerError
		code    = "INTERNAL"
		message = "internal error"
	)
	switch {
	case errors.Is(err, domain.ErrInvalidIdempotencyKey):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
		message = "Invalid idempotency key format"
		observability.RecordSecurityViolation(string(obsctx.AuditInvalidKey))
		s.audit(r, obsctx.AuditInvalidKey, "idempotency key rejected")
	case errors.Is(err, domain.ErrSecurityViolation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
		message = publicMessage(err)
		kind := securityAuditKind(err)
		observability.RecordSecurityViolation(string(kind))
		s.audit(r, kind, message)
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
		message = publicMessage(err)
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "UNAUTHENTICATED"
		message = "authentication required"
	case errors.Is(err, domain.ErrTenantIsolation):
		status, code = http.StatusForbidden, "FORBIDDEN"
		message = "access denied"
		observability.RecordSecurityViolation(string(obsctx.AuditTenantMismatch))
		s.audit(r, obsctx.AuditTenantMismatch, "cross-tenant access rejected")
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
		message = publicMessage(err)
	case errors.Is(err, domain.ErrIdempotencyConflict):
		status, code = http.StatusConflict, "CONFLICT"
		message = "idempotency key already used for a different request"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		status, code = http.StatusConflict, "CONFLICT"
		message = publicMessage(err)
	case errors.Is(err, domain.ErrConcurrency):
		status, code = http.StatusConflict, "CONFLICT"
		message = "concurrent modification, please retry"
	case errors.Is(err, domain.ErrBusinessRule):
		status, code = http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION"
		message = publicMessage(err)
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
		message = "rate limit exceeded"
	case errors.Is(err, domain.ErrStorageUnavailable):
		status, code = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
		message = "service temporarily unavailable"
	default:
		LoggerFrom(r).Error("unhandled error", slog.Any("error", err))
	}
	writeErrorEnvelope(w, r, status, code, message)
}

func (s *Server) audit(r *http.Request, kind obsctx.AuditKind, detail string) {
	if s.Audit == nil {
		return
	}
	route := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	tenant := ""
	if pr, ok := PrincipalFromContext(r.Context()); ok {
		tenant = pr.Tenant.String()
	}
	s.Audit.Record(r.Context(), obsctx.AuditRecord{
		Kind:     kind,
		TenantID: tenant,
		Route:    route,
		Detail:   detail,
	})
}
