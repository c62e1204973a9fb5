package httpserver_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/listing-intake/internal/adapter/httpserver"
	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/internal/idemkey"
	"github.com/fairyhunter13/listing-intake/internal/usecase"
)

const (
	testTenant = "t_acme"
	testActor  = "usr_1"

	// Passes the resolver fast path untouched in both compat modes.
	fastPathKey = "abcdef1234567890"

	validSubmitBody = `{"seller_id":"seller-42","channel":"web_marketplace","type":"validation",` +
		`"file_ref":"https://files.example.com/listings/batch-1.csv","rules_profile_id":"web_marketplace@1.2.0"}`
)

// Hand-written port fakes, same shape as the use-case suite's.

type fakeJobs struct {
	mu      sync.Mutex
	byID    map[string]*domain.Job
	byKey   map[string]*domain.Job
	saveErr error
	saves   int
	listed  []*domain.Job
	total   int64
	listErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{byID: map[string]*domain.Job{}, byKey: map[string]*domain.Job{}}
}

func (f *fakeJobs) add(j *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[j.ID] = j
	if j.IdempotencyKey != "" {
		f.byKey[j.IdempotencyKey] = j
	}
}

func (f *fakeJobs) Save(_ domain.Context, j *domain.Job, _ *domain.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	cp := *j
	f.byID[cp.ID] = &cp
	if cp.IdempotencyKey != "" {
		f.byKey[cp.IdempotencyKey] = &cp
	}
	return nil
}

func (f *fakeJobs) FindByID(_ domain.Context, tenant domain.TenantID, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byID[id]
	if !ok || j.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) FindByIdempotencyKey(_ domain.Context, tenant domain.TenantID, key string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byKey[key]
	if !ok || j.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) FindByTenant(_ domain.Context, _ domain.TenantID, _ domain.JobFilter, _, _ int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, f.listErr
}

func (f *fakeJobs) CountByTenant(_ domain.Context, _ domain.TenantID, _ domain.JobFilter) (int64, error) {
	return f.total, nil
}

func (f *fakeJobs) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeIdem struct {
	mu       sync.Mutex
	rec      *domain.IdempotencyRecord
	getCalls int
}

func (f *fakeIdem) Get(_ domain.Context, _ domain.TenantID, _ string) (*domain.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.rec, nil
}

func (f *fakeIdem) Put(_ domain.Context, _ domain.TenantID, _ string, _ []byte, _ time.Duration) (*domain.IdempotencyRecord, error) {
	return nil, nil
}

func (f *fakeIdem) Delete(_ domain.Context, _ domain.TenantID, _ string) (bool, error) {
	return false, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	decision domain.RateDecision
	infoDec  domain.RateDecision
	allows   int
}

func (f *fakeLimiter) Allow(_ domain.Context, _ domain.TenantID, _ string, _ int) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allows++
	return f.decision, nil
}

func (f *fakeLimiter) Info(_ domain.Context, _ domain.TenantID, _ string) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoDec, nil
}

func (f *fakeLimiter) allowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allows
}

type fakeChecker struct {
	err   error
	calls int
}

func (f *fakeChecker) Check(_ domain.Context, _ string) error {
	f.calls++
	return f.err
}

// env wires real use-case services over the fakes behind a router that
// injects an authenticated principal, standing in for the JWT middleware.
type env struct {
	jobs    *fakeJobs
	idem    *fakeIdem
	limiter *fakeLimiter
	checker *fakeChecker
	srv     *httpserver.Server
	router  chi.Router
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Config{
		AppEnv:       "test",
		CompatMode:   string(idemkey.ModeCanonicalize),
		MaxBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := &env{
		jobs:    newFakeJobs(),
		idem:    &fakeIdem{},
		limiter: &fakeLimiter{decision: domain.RateDecision{Allowed: true, Limit: 120, Remaining: 119}},
		checker: &fakeChecker{},
	}
	resolver := idemkey.NewResolver(idemkey.Mode(cfg.CompatMode))
	e.srv = httpserver.NewServer(cfg,
		usecase.NewSubmitService(e.jobs, e.idem, e.limiter, e.checker, resolver, time.Hour),
		usecase.NewQueryService(e.jobs),
		usecase.NewLifecycleService(e.jobs, e.idem, e.limiter, resolver, time.Hour, 3),
		httpserver.NewStreamHub(25*time.Millisecond, 4),
		nil, nil, nil, nil)

	tenant, err := domain.NewTenantID(testTenant)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := httpserver.ContextWithPrincipal(req.Context(), httpserver.Principal{Tenant: tenant, ActorID: testActor})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/v1/jobs", e.srv.SubmitHandler())
	r.Get("/v1/jobs", e.srv.ListHandler())
	r.Get("/v1/jobs/stream", e.srv.StreamHandler())
	r.Get("/v1/jobs/{job_id}", e.srv.GetHandler())
	r.Post("/v1/jobs/{job_id}/retry", e.srv.RetryHandler())
	r.Post("/v1/jobs/{job_id}/cancel", e.srv.CancelHandler())
	r.Get("/health", e.srv.HealthHandler())
	r.Get("/ready", e.srv.ReadyzHandler())
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// seedJob builds a queued job owned by the test tenant.
func seedJob(t *testing.T) *domain.Job {
	t.Helper()
	tenant, err := domain.NewTenantID(testTenant)
	require.NoError(t, err)
	j, err := domain.NewJob(domain.JobSubmission{
		Tenant:         tenant,
		SellerID:       "seller-42",
		Channel:        "web_marketplace",
		Type:           "validation",
		FileRef:        "https://files.example.com/listings/batch-1.csv",
		RulesProfileID: "web_marketplace@1.2.0",
		IdempotencyKey: fastPathKey,
	})
	require.NoError(t, err)
	return j
}

type errBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

type respMeta struct {
	IsReplay bool  `json:"is_replay"`
	Total    int64 `json:"total"`
	Limit    int   `json:"limit"`
	Offset   int   `json:"offset"`
}

type jobBody struct {
	Data usecase.JobView `json:"data"`
	Meta respMeta        `json:"meta"`
}

type listBody struct {
	Data []usecase.JobView `json:"data"`
	Meta respMeta          `json:"meta"`
}

func decodeErr(t *testing.T, rr *httptest.ResponseRecorder) errBody {
	t.Helper()
	var b errBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	return b
}

func decodeJob(t *testing.T, rr *httptest.ResponseRecorder) jobBody {
	t.Helper()
	var b jobBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	return b
}
