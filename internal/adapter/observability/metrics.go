package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_job_submissions_total",
			Help: "Total number of freshly accepted job submissions",
		},
		[]string{"channel", "type"},
	)
	IdempotentReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_idempotent_replays_total",
			Help: "Total number of submissions answered from the idempotency store",
		},
		[]string{"channel"},
	)
	IdempotencyConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_idempotency_conflicts_total",
			Help: "Total number of reused idempotency keys with a different payload",
		},
	)
	KeyResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_key_resolutions_total",
			Help: "Idempotency key resolutions by outcome",
		},
		[]string{"outcome"},
	)
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_rate_limit_decisions_total",
			Help: "Per-tenant rate limiter decisions",
		},
		[]string{"resource", "decision"},
	)
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_job_transitions_total",
			Help: "Job state transitions by target status",
		},
		[]string{"to"},
	)
	SecurityViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_security_violations_total",
			Help: "Rejected requests that tripped a security rule",
		},
		[]string{"kind"},
	)
	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_audit_records_dropped_total",
			Help: "Audit records dropped because the audit buffer was full",
		},
	)

	OutboxDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_outbox_dispatched_total",
			Help: "Outbox entries successfully delivered to all subscribers",
		},
		[]string{"event_type"},
	)
	OutboxRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_outbox_retries_total",
			Help: "Outbox delivery attempts that failed and were rescheduled",
		},
	)
	OutboxDeadLetters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_outbox_dead_letters",
			Help: "Outbox entries parked after exhausting delivery attempts",
		},
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_outbox_pending",
			Help: "Outbox entries not yet dispatched",
		},
	)

	SSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_sse_clients",
			Help: "Currently connected event stream clients",
		},
	)
	SSEDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_sse_dropped_total",
			Help: "Stream events dropped because a client buffer was full",
		},
	)

	FileProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_file_probes_total",
			Help: "File reference probe attempts by outcome",
		},
		[]string{"outcome"},
	)
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors. Safe to call from both binaries and
// from tests.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(JobSubmissionsTotal)
		prometheus.MustRegister(IdempotentReplaysTotal)
		prometheus.MustRegister(IdempotencyConflictsTotal)
		prometheus.MustRegister(KeyResolutionsTotal)
		prometheus.MustRegister(RateLimitDecisionsTotal)
		prometheus.MustRegister(JobTransitionsTotal)
		prometheus.MustRegister(SecurityViolationsTotal)
		prometheus.MustRegister(AuditDroppedTotal)
		prometheus.MustRegister(OutboxDispatchedTotal)
		prometheus.MustRegister(OutboxRetriesTotal)
		prometheus.MustRegister(OutboxDeadLetters)
		prometheus.MustRegister(OutboxPending)
		prometheus.MustRegister(SSEClients)
		prometheus.MustRegister(SSEDroppedTotal)
		prometheus.MustRegister(FileProbesTotal)
		prometheus.MustRegister(CircuitBreakerStateGauge)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func RecordSubmission(channel, jobType string) {
	JobSubmissionsTotal.WithLabelValues(channel, jobType).Inc()
}

func RecordReplay(channel string) {
	IdempotentReplaysTotal.WithLabelValues(channel).Inc()
}

func RecordIdempotencyConflict() {
	IdempotencyConflictsTotal.Inc()
}

// RecordKeyResolution tracks the resolver outcome: passthrough, derived,
// generated, or rejected.
func RecordKeyResolution(outcome string) {
	KeyResolutionsTotal.WithLabelValues(outcome).Inc()
}

func RecordRateLimitDecision(resource, decision string) {
	RateLimitDecisionsTotal.WithLabelValues(resource, decision).Inc()
}

func RecordJobTransition(to string) {
	JobTransitionsTotal.WithLabelValues(to).Inc()
}

func RecordSecurityViolation(kind string) {
	SecurityViolationsTotal.WithLabelValues(kind).Inc()
}

func RecordAuditDrop() {
	AuditDroppedTotal.Inc()
}

func RecordOutboxDispatched(eventType string) {
	OutboxDispatchedTotal.WithLabelValues(eventType).Inc()
}

func RecordOutboxRetry() {
	OutboxRetriesTotal.Inc()
}

func SetOutboxDeadLetters(n float64) {
	OutboxDeadLetters.Set(n)
}

func SetOutboxPending(n float64) {
	OutboxPending.Set(n)
}

func SSEClientConnected() {
	SSEClients.Inc()
}

func SSEClientDisconnected() {
	SSEClients.Dec()
}

func RecordSSEDrop() {
	SSEDroppedTotal.Inc()
}

func RecordFileProbe(outcome string) {
	FileProbesTotal.WithLabelValues(outcome).Inc()
}

// RecordCircuitBreakerStatus exports the current breaker state.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name).Set(float64(state))
}
