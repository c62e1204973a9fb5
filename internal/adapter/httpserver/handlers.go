package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/internal/idemkey"
	obsctx "github.com/fairyhunter13/listing-intake/internal/observability"
	"github.com/fairyhunter13/listing-intake/internal/usecase"
	"github.com/fairyhunter13/listing-intake/pkg/textx"
)

const maxCancelReasonRunes = 500

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Submit    usecase.SubmitService
	Queries   usecase.QueryService
	Lifecycle usecase.LifecycleService
	Stream    *StreamHub
	Audit     *obsctx.AuditTrail

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, queries usecase.QueryService, lifecycle usecase.LifecycleService, stream *StreamHub, audit *obsctx.AuditTrail, dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Submit:     submit,
		Queries:    queries,
		Lifecycle:  lifecycle,
		Stream:     stream,
		Audit:      audit,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		KafkaCheck: kafkaCheck,
	}
}

// acceptsJSON rejects requests that explicitly refuse JSON responses.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeErrorEnvelope(w, r, http.StatusNotAcceptable, "VALIDATION_ERROR", "only application/json responses are supported")
	return false
}

// idempotencyHeaders in priority order; the first non-empty value wins.
var idempotencyHeaders = []string{"Idempotency-Key", "X-Idempotency-Key", "Idempotency-Token"}

// idempotencyKeyFromHeaders extracts the raw client key. CR, LF and NUL bytes
// are rejected before the value reaches any storage or log, as is anything
// over the raw size cap.
func idempotencyKeyFromHeaders(h http.Header) ([]byte, error) {
	for _, name := range idempotencyHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if len(v) > idemkey.MaxRawKeyBytes {
			return nil, fmt.Errorf("op=http.idemkey: %w", domain.ErrInvalidIdempotencyKey)
		}
		for i := 0; i < len(v); i++ {
			if v[i] == '\r' || v[i] == '\n' || v[i] == 0 {
				return nil, fmt.Errorf("op=http.idemkey: %w", domain.ErrInvalidIdempotencyKey)
			}
		}
		return []byte(v), nil
	}
	return nil, nil
}

func traceIDFrom(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return requestIDFrom(r)
}

func setRateHeaders(w http.ResponseWriter, d domain.RateDecision) {
	if d.Limit == 0 && d.Remaining == 0 && d.ResetAt.IsZero() {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

type submitRequest struct {
	SellerID       string            `json:"seller_id" validate:"required,max=100"`
	Channel        string            `json:"channel" validate:"required,max=64"`
	Type           string            `json:"type" validate:"required,max=32"`
	FileRef        string            `json:"file_ref" validate:"required,max=2048"`
	RulesProfileID string            `json:"rules_profile_id" validate:"required,max=120"`
	CallbackURL    string            `json:"callback_url" validate:"omitempty,max=2048"`
	Metadata       map[string]string `json:"metadata" validate:"omitempty,max=16"`
}

// SubmitHandler accepts a listing intake job.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.submit: %w", domain.ErrUnauthenticated))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: request body is not valid JSON", domain.ErrValidation))
			return
		}
		if err := validateStruct(req); err != nil {
			s.writeError(w, r, err)
			return
		}
		rawKey, err := idempotencyKeyFromHeaders(r.Header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		res, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			Tenant:         pr.Tenant,
			ActorID:        pr.ActorID,
			TraceID:        traceIDFrom(r),
			RawKey:         rawKey,
			SellerID:       req.SellerID,
			Channel:        req.Channel,
			Type:           req.Type,
			FileRef:        req.FileRef,
			RulesProfileID: req.RulesProfileID,
			CallbackURL:    req.CallbackURL,
			Metadata:       req.Metadata,
		})
		setRateHeaders(w, res.Rate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, dataEnvelope{Data: res.Job, Meta: submitMeta{IsReplay: res.IsReplay}})
	}
}

// GetHandler returns one job projection.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.get: %w", domain.ErrUnauthenticated))
			return
		}
		id := chi.URLParam(r, "job_id")
		if err := validateJobID(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := s.Queries.Get(r.Context(), pr.Tenant, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope{Data: view})
	}
}

// ListHandler returns a filtered page of the tenant's jobs.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.list: %w", domain.ErrUnauthenticated))
			return
		}
		filter, limit, offset, err := parseListQuery(r.URL.Query())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.Queries.List(r.Context(), pr.Tenant, filter, limit, offset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope{
			Data: res.Jobs,
			Meta: listMeta{Total: res.Total, Limit: res.Limit, Offset: res.Offset},
		})
	}
}

// RetryHandler replaces a failed job with a fresh queued one.
func (s *Server) RetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.retry: %w", domain.ErrUnauthenticated))
			return
		}
		id := chi.URLParam(r, "job_id")
		if err := validateJobID(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		rawKey, err := idempotencyKeyFromHeaders(r.Header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.Lifecycle.Retry(r.Context(), usecase.RetryInput{
			Tenant:  pr.Tenant,
			JobID:   id,
			ActorID: pr.ActorID,
			TraceID: traceIDFrom(r),
			RawKey:  rawKey,
		})
		setRateHeaders(w, res.Rate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, dataEnvelope{Data: res.Job, Meta: submitMeta{IsReplay: res.IsReplay}})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelHandler stops a queued or running job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.cancel: %w", domain.ErrUnauthenticated))
			return
		}
		id := chi.URLParam(r, "job_id")
		if err := validateJobID(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		var req cancelRequest
		if r.Body != nil && r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.writeError(w, r, fmt.Errorf("%w: request body is not valid JSON", domain.ErrValidation))
				return
			}
		}
		reason := textx.Truncate(textx.SanitizeText(req.Reason), maxCancelReasonRunes)
		if reason == "" {
			reason = "cancelled by client"
		}

		view, err := s.Lifecycle.Cancel(r.Context(), usecase.CancelInput{
			Tenant:  pr.Tenant,
			JobID:   id,
			Reason:  reason,
			ActorID: pr.ActorID,
			TraceID: traceIDFrom(r),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope{Data: view})
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// ReadyzHandler probes postgres, redis and kafka and reports a per-dependency
// breakdown.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probe := func(ctx context.Context, name string, fn func(context.Context) error) check {
		if fn == nil {
			return check{Name: name, OK: false, Details: "not configured"}
		}
		if err := fn(ctx); err != nil {
			return check{Name: name, OK: false, Details: err.Error()}
		}
		return check{Name: name, OK: true}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{
			probe(ctx, "postgres", s.DBCheck),
			probe(ctx, "redis", s.RedisCheck),
			probe(ctx, "kafka", s.KafkaCheck),
		}
		status, st := "ready", http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status, st = "degraded", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"status": status, "checks": checks})
	}
}
