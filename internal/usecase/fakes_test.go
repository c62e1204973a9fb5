package usecase_test

import (
	"sync"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// Hand-written port fakes; call order and arguments are asserted directly.

type saveCall struct {
	job *domain.Job
	rec *domain.IdempotencyRecord
}

type listCall struct {
	filter domain.JobFilter
	limit  int
	offset int
}

type fakeJobs struct {
	mu        sync.Mutex
	saves     []saveCall
	saveErrs  []error
	byID      map[string]*domain.Job
	byKey     map[string]*domain.Job
	findErr   error
	findCalls int
	listed    []*domain.Job
	total     int64
	listErr   error
	countErr  error

	listArgs []listCall
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{byID: map[string]*domain.Job{}, byKey: map[string]*domain.Job{}}
}

func (f *fakeJobs) Save(_ domain.Context, j *domain.Job, rec *domain.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{job: j, rec: rec})
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		return err
	}
	return nil
}

func (f *fakeJobs) FindByID(_ domain.Context, tenant domain.TenantID, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
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

func (f *fakeJobs) FindByTenant(_ domain.Context, _ domain.TenantID, filter domain.JobFilter, limit, offset int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listArgs = append(f.listArgs, listCall{filter: filter, limit: limit, offset: offset})
	return f.listed, f.listErr
}

func (f *fakeJobs) CountByTenant(_ domain.Context, _ domain.TenantID, _ domain.JobFilter) (int64, error) {
	return f.total, f.countErr
}

func (f *fakeJobs) savedJobs() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saveCall(nil), f.saves...)
}

type fakeIdem struct {
	mu       sync.Mutex
	getSeq   []*domain.IdempotencyRecord
	getErr   error
	getCalls int
}

func (f *fakeIdem) Get(_ domain.Context, _ domain.TenantID, _ string) (*domain.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getSeq) == 0 {
		return nil, nil
	}
	rec := f.getSeq[0]
	f.getSeq = f.getSeq[1:]
	return rec, nil
}

func (f *fakeIdem) Put(_ domain.Context, _ domain.TenantID, _ string, _ []byte, _ time.Duration) (*domain.IdempotencyRecord, error) {
	return nil, nil
}

func (f *fakeIdem) Delete(_ domain.Context, _ domain.TenantID, _ string) (bool, error) {
	return false, nil
}

type limiterCall struct {
	resource string
	tokens   int
}

type fakeLimiter struct {
	mu       sync.Mutex
	decision domain.RateDecision
	err      error
	infoDec  domain.RateDecision
	infoErr  error
	allows   []limiterCall
	infos    int
}

func (f *fakeLimiter) Allow(_ domain.Context, _ domain.TenantID, resource string, tokens int) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allows = append(f.allows, limiterCall{resource: resource, tokens: tokens})
	return f.decision, f.err
}

func (f *fakeLimiter) Info(_ domain.Context, _ domain.TenantID, _ string) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos++
	return f.infoDec, f.infoErr
}

func allowAll() *fakeLimiter {
	return &fakeLimiter{decision: domain.RateDecision{Allowed: true, Limit: 120, Remaining: 119}}
}

type fakeChecker struct {
	err   error
	calls int
	refs  []string
}

func (f *fakeChecker) Check(_ domain.Context, fileRef string) error {
	f.calls++
	f.refs = append(f.refs, fileRef)
	return f.err
}
