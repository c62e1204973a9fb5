// Package app assembles configuration, adapters and background loops into the
// runnable server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/listing-intake/internal/adapter/httpserver"
	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/config"
)

// requestTimeout bounds every JSON API request. The SSE stream is mounted
// outside it: http.TimeoutHandler's response writer cannot flush.
const requestTimeout = 30 * time.Second

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin; config validation refuses that in
// production.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, auth httpserver.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	if len(cfg.TrustedHosts) > 0 {
		r.Use(httpserver.TrustedHosts(cfg.TrustedHosts))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"Idempotency-Key", "X-Idempotency-Key", "Idempotency-Token",
			"X-Request-Id", "X-Tenant-Id",
		},
		ExposedHeaders: []string{
			"X-Request-Id",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"Retry-After",
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(requestTimeout))

		// Mutating endpoints carry a per-IP edge limit ahead of auth and the
		// per-tenant token bucket.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Use(auth.Middleware)
			wr.Post("/v1/jobs", srv.SubmitHandler())
			wr.Post("/v1/jobs/{job_id}/retry", srv.RetryHandler())
			wr.Post("/v1/jobs/{job_id}/cancel", srv.CancelHandler())
		})
		api.Group(func(ro chi.Router) {
			ro.Use(auth.Middleware)
			ro.Get("/v1/jobs", srv.ListHandler())
			ro.Get("/v1/jobs/{job_id}", srv.GetHandler())
		})
	})

	r.Group(func(sse chi.Router) {
		sse.Use(auth.Middleware)
		sse.Get("/v1/jobs/stream", srv.StreamHandler())
	})

	// Probes and metrics are unauthenticated; deployments keep them off the
	// public edge.
	r.Get("/health", srv.HealthHandler())
	r.Get("/ready", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
